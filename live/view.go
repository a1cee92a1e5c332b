// Package live mounts collections as views: it routes pushed events for
// the view's room into its collection, keeps the room joined across
// reconnects and sends optimistic mutations.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-live/collection"
	"prism-live/domain"
	"prism-live/fetch"
	"prism-live/origin"
	"prism-live/projection"
	"prism-live/transport"
)

var (
	ErrClosed   = errors.New("live: view closed")
	ErrReadOnly = errors.New("live: view does not support this mutation")
	// ErrBusy rejects a mutation while the view's queue is full. The
	// optimistic change is rolled back by a reload.
	ErrBusy = errors.New("live: mutation queue full")
)

// Spec describes one kind of view.
type Spec[T any] struct {
	// Name identifies the view in logs.
	Name string
	// Entity is the event prefix, e.g. "task" for "task:created".
	Entity string
	// Topic is the room carrying the view's events.
	Topic  string
	Policy collection.Policy[T]
	// Query holds the initial server-side filters.
	Query url.Values
	Load  func(ctx context.Context, query url.Values, cursor string) (collection.Page[T], error)
	// Admit reports whether item belongs to the list under query.
	Admit   func(query url.Values, item T) bool
	Project projection.Projector[T]
	// Prepare fills client-side defaults, such as a local id, on items
	// passed to Create.
	Prepare func(item T) T

	Create func(ctx context.Context, item T) (*T, error)
	Update func(ctx context.Context, item T) (*T, error)
	Delete func(ctx context.Context, id string) error
}

type Deps struct {
	// Transport is nil when the session has no push connection; the view
	// then only changes through page loads and its own mutations.
	Transport transport.Subscriber
	Tracker   origin.Tracker
	Logger    *log.Logger
	Dispatch  DispatchSettings
}

// Error reports a failed operation of a view.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

type errorListener struct {
	fn func(Error)
}

// View is a mounted collection. It is safe for concurrent use.
type View[T any] struct {
	spec      Spec[T]
	coll      *collection.Collection[T]
	transport transport.Subscriber
	logger    *log.Entry
	dispatch  *dispatcher
	// followups runs failure handling off the mutation worker, so error
	// and snapshot listeners may close the view.
	followups serial

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	query          url.Values
	filter         string
	joined         bool
	closed         bool
	subs           []*transport.Subscription
	errorListeners []*errorListener
}

// Mount builds the view, joins its room when connected and loads the
// first page. ctx bounds the lifetime of the view's page loads. A missing
// parent is treated as an empty list.
func Mount[T any](ctx context.Context, deps Deps, spec Spec[T]) (*View[T], error) {
	if spec.Policy.ID == nil || spec.Load == nil {
		return nil, errors.New("live: view needs Policy.ID and Load")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	if deps.Dispatch == (DispatchSettings{}) {
		deps.Dispatch = DefaultDispatchSettings()
	}

	v := &View[T]{
		spec:      spec,
		transport: deps.Transport,
		logger:    logger.WithFields(log.Fields{"view": spec.Name, "topic": spec.Topic}),
		query:     cloneValues(spec.Query),
	}
	v.ctx, v.cancel = context.WithCancel(ctx)

	policy := spec.Policy
	if spec.Admit != nil {
		policy.Admit = v.admitFor(v.query)
	}
	v.coll = collection.New(policy, v.load, deps.Tracker)
	v.dispatch = newDispatcher(deps.Dispatch, v.logger, v.mutationFinished)

	if v.transport != nil && spec.Entity != "" {
		for _, action := range []string{domain.ActionCreated, domain.ActionUpdated, domain.ActionDeleted} {
			v.subs = append(v.subs, v.transport.On(domain.EventName(spec.Entity, action), v.eventHandler(action)))
		}
		v.subs = append(v.subs, v.transport.OnState(v.onState))
		if v.transport.State() == transport.Connected {
			v.join()
		}
	}

	if err := v.coll.LoadFirstPage(v.ctx); err != nil && !fetch.IsNotFound(err) {
		v.Close()
		return nil, fmt.Errorf("mount %s: %w", spec.Name, err)
	}
	return v, nil
}

// Close leaves the room, drops pending page loads and waits for accepted
// mutations to be sent. It is idempotent.
func (v *View[T]) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	subs := v.subs
	v.subs = nil
	joined := v.joined
	v.joined = false
	v.mu.Unlock()

	for _, sub := range subs {
		sub.Release()
	}
	if joined {
		if err := v.transport.Leave(v.spec.Topic); err != nil {
			v.logger.WithError(err).Debug("leave failed")
		}
	}
	v.coll.Close()
	v.cancel()
	v.dispatch.close()
}

func (v *View[T]) Name() string { return v.spec.Name }

func (v *View[T]) Topic() string { return v.spec.Topic }

// Joined reports whether the view currently holds its room.
func (v *View[T]) Joined() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.joined
}

func (v *View[T]) Collection() *collection.Collection[T] { return v.coll }

func (v *View[T]) Items() []T { return v.coll.Items() }

func (v *View[T]) Snapshot() collection.Snapshot[T] { return v.coll.Snapshot() }

// Get returns the loaded item with id.
func (v *View[T]) Get(id string) (T, bool) { return v.coll.Get(id) }

// ID returns the identity of item under the view's policy.
func (v *View[T]) ID(item T) string { return v.spec.Policy.ID(item) }

// Subscribe observes every change of the underlying collection.
func (v *View[T]) Subscribe(fn func(collection.Snapshot[T])) *collection.Listener {
	return v.coll.Subscribe(fn)
}

// SetFilter sets the client-side text filter used by Projected.
func (v *View[T]) SetFilter(text string) {
	v.mu.Lock()
	v.filter = text
	v.mu.Unlock()
}

func (v *View[T]) Filter() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.filter
}

// Projected filters the loaded items with the view's text filter.
func (v *View[T]) Projected() []T {
	return v.ProjectWith(v.Filter())
}

// ProjectWith filters the loaded items with text.
func (v *View[T]) ProjectWith(text string) []T {
	return v.spec.Project.Project(v.coll.Items(), text)
}

func (v *View[T]) Query() url.Values {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneValues(v.query)
}

// SetQuery replaces the server-side filters and reloads the first page.
func (v *View[T]) SetQuery(ctx context.Context, query url.Values) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	v.query = cloneValues(query)
	admit := v.admitFor(v.query)
	v.mu.Unlock()

	if v.spec.Admit != nil {
		v.coll.SetAdmit(admit)
	}
	return v.coll.LoadFirstPage(ctx)
}

// Reload replaces the items with a fresh first page.
func (v *View[T]) Reload(ctx context.Context) error {
	return v.coll.LoadFirstPage(ctx)
}

// LoadMore appends the next page, if any.
func (v *View[T]) LoadMore(ctx context.Context) error {
	return v.coll.LoadNextPage(ctx)
}

// OnError registers fn for failed mutations and background reloads.
func (v *View[T]) OnError(fn func(Error)) *collection.Listener {
	l := &errorListener{fn: fn}
	v.mu.Lock()
	v.errorListeners = append(slices.Clone(v.errorListeners), l)
	v.mu.Unlock()
	return collection.NewListener(func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.errorListeners = slices.DeleteFunc(slices.Clone(v.errorListeners), func(other *errorListener) bool { return other == l })
	})
}

// Create inserts item optimistically and sends it, returning the item as
// inserted. When the server assigns a different id the optimistic item is
// swapped for the saved one.
func (v *View[T]) Create(item T) (T, error) {
	if v.spec.Create == nil {
		return item, ErrReadOnly
	}
	if v.isClosed() {
		return item, ErrClosed
	}
	if v.spec.Prepare != nil {
		item = v.spec.Prepare(item)
	}
	localID := v.spec.Policy.ID(item)
	if localID == "" {
		return item, errors.New("live: created item has no id")
	}
	v.coll.ApplyLocalCreate(item)
	err := v.dispatch.submit(mutationJob{op: "create", id: localID, run: func(ctx context.Context) error {
		saved, err := v.spec.Create(ctx, item)
		if err != nil {
			return err
		}
		if saved == nil {
			return nil
		}
		if id := v.spec.Policy.ID(*saved); id != localID {
			v.coll.ApplyLocalDelete(localID)
			v.coll.ApplyLocalCreate(*saved)
			return nil
		}
		v.coll.ApplyLocalUpdate(*saved)
		return nil
	}})
	if err != nil {
		v.rollback()
		return item, err
	}
	return item, nil
}

// Update replaces item in place optimistically and sends it.
func (v *View[T]) Update(item T) error {
	if v.spec.Update == nil {
		return ErrReadOnly
	}
	if v.isClosed() {
		return ErrClosed
	}
	id := v.spec.Policy.ID(item)
	v.coll.ApplyLocalUpdate(item)
	err := v.dispatch.submit(mutationJob{op: "update", id: id, run: func(ctx context.Context) error {
		saved, err := v.spec.Update(ctx, item)
		if err != nil {
			return err
		}
		if saved != nil {
			v.coll.ApplyLocalUpdate(*saved)
		}
		return nil
	}})
	if err != nil {
		v.rollback()
	}
	return err
}

// Delete removes the item optimistically and sends the deletion.
func (v *View[T]) Delete(id string) error {
	if v.spec.Delete == nil {
		return ErrReadOnly
	}
	if v.isClosed() {
		return ErrClosed
	}
	v.coll.ApplyLocalDelete(id)
	err := v.dispatch.submit(mutationJob{op: "delete", id: id, run: func(ctx context.Context) error {
		return v.spec.Delete(ctx, id)
	}})
	if err != nil {
		v.rollback()
	}
	return err
}

// mutationFinished reconciles a failed mutation by reloading the
// authoritative first page. An expired credential ends the session
// instead. Listeners run on the followups queue, never on the worker.
func (v *View[T]) mutationFinished(job mutationJob, err error) {
	if err == nil {
		return
	}
	v.followups.push(func() {
		v.notifyError(Error{Op: job.op, ID: job.id, Err: err})
		if fetch.IsAuthExpired(err) {
			return
		}
		v.reconcile()
	})
}

// rollback drops a rejected optimistic change.
func (v *View[T]) rollback() {
	v.followups.push(v.reconcile)
}

func (v *View[T]) reconcile() {
	if v.isClosed() {
		return
	}
	if err := v.coll.LoadFirstPage(v.ctx); err != nil && !errors.Is(err, collection.ErrClosed) {
		v.notifyError(Error{Op: "reload", Err: err})
	}
}

func (v *View[T]) notifyError(e Error) {
	v.mu.Lock()
	listeners := v.errorListeners
	v.mu.Unlock()
	for _, l := range listeners {
		l.fn(e)
	}
}

func (v *View[T]) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *View[T]) load(ctx context.Context, cursor string) (collection.Page[T], error) {
	return v.spec.Load(ctx, v.Query(), cursor)
}

func (v *View[T]) admitFor(query url.Values) func(T) bool {
	if v.spec.Admit == nil {
		return nil
	}
	return func(item T) bool { return v.spec.Admit(query, item) }
}

func (v *View[T]) join() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || v.joined || v.spec.Topic == "" {
		return
	}
	if err := v.transport.Join(v.spec.Topic); err != nil {
		v.logger.WithError(err).Debug("join deferred until connected")
		return
	}
	v.joined = true
}

// onState re-joins after every reconnect, since rooms do not survive a
// dropped connection, and reloads to recover events missed meanwhile.
func (v *View[T]) onState(change transport.StateChange) {
	switch change.State {
	case transport.Connected:
		v.join()
		if change.Reconnect {
			go v.reconcile()
		}
	case transport.Disconnected:
		v.mu.Lock()
		v.joined = false
		v.mu.Unlock()
	}
}

func (v *View[T]) eventHandler(action string) transport.Handler {
	return func(topic string, data []byte) {
		if topic != v.spec.Topic {
			return
		}
		var payload domain.EventPayload
		if err := sonic.Unmarshal(data, &payload); err != nil {
			v.logger.WithError(err).Debug("event payload not decodable")
			return
		}

		switch action {
		case domain.ActionCreated, domain.ActionUpdated:
			var item T
			if len(payload.Entity) == 0 {
				return
			}
			if err := sonic.Unmarshal(payload.Entity, &item); err != nil {
				v.logger.WithError(err).WithField("action", action).Debug("event entity not decodable")
				return
			}
			if action == domain.ActionCreated {
				v.coll.ApplyRemoteCreate(item)
			} else {
				v.coll.ApplyRemoteUpdate(item)
			}
		case domain.ActionDeleted:
			id := payload.EntityID
			if id == "" && len(payload.Entity) > 0 {
				var item T
				if err := sonic.Unmarshal(payload.Entity, &item); err == nil {
					id = v.spec.Policy.ID(item)
				}
			}
			if id != "" {
				v.coll.ApplyRemoteDelete(id)
			}
		}
	}
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for key, values := range v {
		out[key] = slices.Clone(values)
	}
	return out
}
