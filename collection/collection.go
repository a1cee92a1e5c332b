// Package collection keeps one view's canonical, ordered and de-duplicated
// list of entities consistent across page loads, optimistic local edits and
// pushed remote events.
package collection

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-live/origin"
)

// ErrClosed is returned by page loads on a closed collection.
var ErrClosed = errors.New("collection: closed")

// Ordering is the server's cursor order for a collection.
type Ordering int

const (
	NewestFirst Ordering = iota
	OldestFirst
)

func (o Ordering) String() string {
	if o == OldestFirst {
		return "oldest-first"
	}
	return "newest-first"
}

// State is the lifecycle of a collection. Ready is re-entrant: loading
// further pages keeps it and sets FetchingMore instead.
type State int

const (
	Empty State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "empty"
	}
}

// Page is one cursor-paginated result.
type Page[T any] struct {
	Items      []T
	HasMore    bool
	NextCursor string
}

// Loader fetches the page after cursor. An empty cursor requests the first
// page under the caller's current query.
type Loader[T any] func(ctx context.Context, cursor string) (Page[T], error)

// Policy parameterizes a collection for one entity type.
type Policy[T any] struct {
	// ID extracts the stable identifier.
	ID func(T) string
	// Ordering decides where an insert lands when Less is nil.
	Ordering Ordering
	// Less reports whether a sorts before b. Remote inserts go before the
	// first existing item they strictly precede; local creates always land
	// at the head or tail given by Ordering.
	Less func(a, b T) bool
	// Admit filters remote creates against the server-side query of the
	// view. Nil admits everything.
	Admit func(T) bool
}

// Snapshot is an immutable copy of a collection handed to observers.
type Snapshot[T any] struct {
	Items        []T
	State        State
	FetchingMore bool
	HasMore      bool
	Selected     *T
}

type opKind int

const (
	opCreate opKind = iota
	opUpdate
	opDelete
)

// pendingOp is a change applied while a first page was in flight. It is
// replayed over the fresh page so the reload does not lose it.
type pendingOp[T any] struct {
	kind  opKind
	id    string
	item  T
	local bool
}

type listener[T any] struct {
	fn func(Snapshot[T])
}

// Collection is safe for concurrent use. Network calls happen outside its
// lock; every other operation is serialized.
type Collection[T any] struct {
	policy  Policy[T]
	load    Loader[T]
	tracker origin.Tracker

	mu           sync.Mutex
	items        []T
	state        State
	loaded       bool
	fetchingMore bool
	hasMore      bool
	cursor       string
	generation   uint64
	genCtx       context.Context
	genCancel    context.CancelFunc
	pending      []pendingOp[T]
	selected     *T
	closed       bool
	listeners    []*listener[T]

	// notifyMu keeps observer delivery in mutation order.
	notifyMu sync.Mutex
}

// New creates an empty collection. Policy.ID and load are required.
// Marks the collection leaves in tracker are visible to it alone, so
// collections may share one tracker.
func New[T any](policy Policy[T], load Loader[T], tracker origin.Tracker) *Collection[T] {
	if policy.ID == nil {
		panic("collection: Policy.ID is required")
	}
	if tracker == nil {
		tracker = origin.NewMemory(origin.DefaultWindow)
	}
	tracker = origin.Scope(tracker, uuid.NewString())
	genCtx, genCancel := context.WithCancel(context.Background())
	return &Collection[T]{
		policy:    policy,
		load:      load,
		tracker:   tracker,
		genCtx:    genCtx,
		genCancel: genCancel,
	}
}

// SetAdmit replaces the remote-create filter. Callers changing the server
// query should follow with LoadFirstPage.
func (c *Collection[T]) SetAdmit(admit func(T) bool) {
	c.mu.Lock()
	c.policy.Admit = admit
	c.mu.Unlock()
}

// LoadFirstPage replaces the whole collection with the first page and
// resets pagination. Results of a load superseded by a later LoadFirstPage
// or by Close are dropped and nil is returned.
func (c *Collection[T]) LoadFirstPage(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.genCancel()
	c.genCtx, c.genCancel = context.WithCancel(context.Background())
	c.generation++
	gen := c.generation
	c.state = Loading
	c.fetchingMore = false
	c.pending = nil
	ctx, release := c.bindLocked(ctx)
	c.commitLocked()
	defer release()

	page, err := c.load(ctx, "")

	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		log.WithField("generation", gen).Debug("dropped stale first page")
		return nil
	}
	pending := c.pending
	c.pending = nil
	if err != nil {
		if c.loaded {
			c.state = Ready
		} else {
			c.state = Empty
		}
		c.commitLocked()
		return err
	}

	items := make([]T, 0, len(page.Items))
	seen := make(map[string]struct{}, len(page.Items))
	for _, item := range page.Items {
		id := c.policy.ID(item)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, item)
	}
	c.items = items
	c.setPaginationLocked(page)
	c.state = Ready
	c.loaded = true
	for _, op := range pending {
		c.replayLocked(op)
	}
	c.commitLocked()
	return nil
}

// LoadNextPage appends the page after the current cursor. It is a no-op
// when there are no more pages, when the collection is not Ready, or when
// another next-page load is in flight.
func (c *Collection[T]) LoadNextPage(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Ready || !c.hasMore || c.fetchingMore {
		c.mu.Unlock()
		return nil
	}
	c.fetchingMore = true
	gen := c.generation
	cursor := c.cursor
	ctx, release := c.bindLocked(ctx)
	c.commitLocked()
	defer release()

	page, err := c.load(ctx, cursor)

	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		log.WithField("cursor", cursor).Debug("dropped stale page")
		return nil
	}
	c.fetchingMore = false
	if err != nil {
		c.commitLocked()
		return err
	}
	for _, item := range page.Items {
		if c.indexLocked(c.policy.ID(item)) >= 0 {
			continue
		}
		c.items = append(c.items, item)
	}
	c.setPaginationLocked(page)
	c.commitLocked()
	return nil
}

// ApplyLocalCreate marks the id as local and inserts the item in order.
// An item already present is replaced in place.
func (c *Collection[T]) ApplyLocalCreate(item T) {
	id := c.policy.ID(item)
	c.tracker.Mark(id)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if i := c.indexLocked(id); i >= 0 {
		c.items[i] = item
	} else {
		c.insertLocked(item, true)
	}
	c.recordLocked(pendingOp[T]{kind: opCreate, id: id, item: item, local: true})
	c.commitLocked()
}

// ApplyLocalUpdate marks the id as local and replaces the item in place.
// Updates never reorder.
func (c *Collection[T]) ApplyLocalUpdate(item T) {
	id := c.policy.ID(item)
	c.tracker.Mark(id)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.replaceLocked(id, item)
	c.recordLocked(pendingOp[T]{kind: opUpdate, id: id, item: item, local: true})
	c.commitLocked()
}

// ApplyLocalDelete removes the item by id.
func (c *Collection[T]) ApplyLocalDelete(id string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.removeLocked(id)
	c.recordLocked(pendingOp[T]{kind: opDelete, id: id, local: true})
	c.commitLocked()
}

// ApplyRemoteCreate inserts a pushed entity unless it is the echo of a
// local change, already present, or outside the view's query. It reports
// whether the collection changed.
func (c *Collection[T]) ApplyRemoteCreate(item T) bool {
	id := c.policy.ID(item)
	if c.tracker.IsLocal(id) {
		log.WithField("entity", id).Debug("suppressed local echo")
		return false
	}

	c.mu.Lock()
	if c.closed || c.indexLocked(id) >= 0 {
		c.mu.Unlock()
		return false
	}
	if c.policy.Admit != nil && !c.policy.Admit(item) {
		c.mu.Unlock()
		return false
	}
	c.insertLocked(item, false)
	c.recordLocked(pendingOp[T]{kind: opCreate, id: id, item: item})
	c.commitLocked()
	return true
}

// ApplyRemoteUpdate replaces the item in place, including the selected
// snapshot.
func (c *Collection[T]) ApplyRemoteUpdate(item T) {
	id := c.policy.ID(item)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.replaceLocked(id, item)
	c.recordLocked(pendingOp[T]{kind: opUpdate, id: id, item: item})
	c.commitLocked()
}

// ApplyRemoteDelete removes the item and closes it if it is selected.
func (c *Collection[T]) ApplyRemoteDelete(id string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.removeLocked(id)
	c.recordLocked(pendingOp[T]{kind: opDelete, id: id})
	c.commitLocked()
}

// Select opens item in the detail slot.
func (c *Collection[T]) Select(item T) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.selected = &item
	c.commitLocked()
}

// SelectID opens the loaded item with id and reports whether it was found.
func (c *Collection[T]) SelectID(id string) bool {
	c.mu.Lock()
	i := c.indexLocked(id)
	if c.closed || i < 0 {
		c.mu.Unlock()
		return false
	}
	item := c.items[i]
	c.selected = &item
	c.commitLocked()
	return true
}

// Selected returns the open item.
func (c *Collection[T]) Selected() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		var zero T
		return zero, false
	}
	return *c.selected, true
}

func (c *Collection[T]) ClearSelection() {
	c.mu.Lock()
	if c.selected == nil {
		c.mu.Unlock()
		return
	}
	c.selected = nil
	c.commitLocked()
}

// Items returns a copy of the current items.
func (c *Collection[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}

// Get returns the item with id, if the collection holds it.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.items[i], true
	}
	var zero T
	return zero, false
}

// Len is the number of loaded items.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// State reports the first-page lifecycle.
func (c *Collection[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HasMore reports whether LoadNextPage has a page to fetch.
func (c *Collection[T]) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// Cursor is the server cursor of the next page, empty at the end.
func (c *Collection[T]) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// FetchingMore reports whether a next-page load is in flight.
func (c *Collection[T]) FetchingMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchingMore
}

// Snapshot returns the current state as observers would see it.
func (c *Collection[T]) Snapshot() Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers fn for every change. fn runs outside the collection
// lock, one change at a time, in mutation order; it may read the
// collection but must not mutate it synchronously.
func (c *Collection[T]) Subscribe(fn func(Snapshot[T])) *Listener {
	l := &listener[T]{fn: fn}
	c.mu.Lock()
	if !c.closed {
		c.listeners = append(c.listeners, l)
	}
	c.mu.Unlock()
	return NewListener(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listeners = slices.DeleteFunc(c.listeners, func(other *listener[T]) bool {
			return other == l
		})
	})
}

// Close drops pending loads and observers. Later operations are no-ops and
// loads return ErrClosed.
func (c *Collection[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.generation++
	c.genCancel()
	c.listeners = nil
	c.pending = nil
	c.selected = nil
}

func (c *Collection[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// bindLocked ties ctx to the current generation so that LoadFirstPage and
// Close cancel superseded loads.
func (c *Collection[T]) bindLocked(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.genCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Collection[T]) setPaginationLocked(page Page[T]) {
	c.cursor = page.NextCursor
	c.hasMore = page.HasMore && page.NextCursor != ""
}

func (c *Collection[T]) indexLocked(id string) int {
	for i, item := range c.items {
		if c.policy.ID(item) == id {
			return i
		}
	}
	return -1
}

// insertLocked places local creates by Ordering alone: their ordering key
// comes from the client clock and cannot be compared with server keys.
func (c *Collection[T]) insertLocked(item T, local bool) {
	pos := len(c.items)
	switch {
	case !local && c.policy.Less != nil:
		for i, existing := range c.items {
			if c.policy.Less(item, existing) {
				pos = i
				break
			}
		}
	case c.policy.Ordering == NewestFirst:
		pos = 0
	}
	c.items = slices.Insert(c.items, pos, item)
}

func (c *Collection[T]) replaceLocked(id string, item T) bool {
	if c.selected != nil && c.policy.ID(*c.selected) == id {
		c.selected = &item
	}
	i := c.indexLocked(id)
	if i < 0 {
		return false
	}
	c.items[i] = item
	return true
}

func (c *Collection[T]) removeLocked(id string) bool {
	if c.selected != nil && c.policy.ID(*c.selected) == id {
		c.selected = nil
	}
	i := c.indexLocked(id)
	if i < 0 {
		return false
	}
	c.items = slices.Delete(c.items, i, i+1)
	return true
}

func (c *Collection[T]) recordLocked(op pendingOp[T]) {
	if c.state == Loading {
		c.pending = append(c.pending, op)
	}
}

func (c *Collection[T]) replayLocked(op pendingOp[T]) {
	switch op.kind {
	case opCreate:
		if i := c.indexLocked(op.id); i >= 0 {
			if op.local {
				c.items[i] = op.item
			}
			return
		}
		if op.local || c.policy.Admit == nil || c.policy.Admit(op.item) {
			c.insertLocked(op.item, op.local)
		}
	case opUpdate:
		c.replaceLocked(op.id, op.item)
	case opDelete:
		c.removeLocked(op.id)
	}
}

func (c *Collection[T]) snapshotLocked() Snapshot[T] {
	snap := Snapshot[T]{
		Items:        slices.Clone(c.items),
		State:        c.state,
		FetchingMore: c.fetchingMore,
		HasMore:      c.hasMore,
	}
	if c.selected != nil {
		selected := *c.selected
		snap.Selected = &selected
	}
	return snap
}

// commitLocked releases c.mu and delivers the new snapshot. It must be
// called with c.mu held.
func (c *Collection[T]) commitLocked() {
	if len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	listeners := slices.Clone(c.listeners)
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()
	for _, l := range listeners {
		l.fn(snap)
	}
}
