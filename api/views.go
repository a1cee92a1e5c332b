package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bytedance/sonic"

	"prism-live/collection"
	"prism-live/live"
)

var (
	errUnknownView = errors.New("unknown view")
	errNotLoaded   = errors.New("item not loaded")
	errBadItem     = errors.New("invalid item")
)

// View is a mounted live view with its item type erased, as the server
// renders it.
type View interface {
	Render(text string) Rendered
	Watch(fn func()) *collection.Listener
	LoadMore(ctx context.Context) error
	Reload(ctx context.Context) error
	Create(raw []byte) (any, error)
	Update(id string, raw []byte) (any, error)
	Delete(id string) error
	Close()
}

// Rendered is the JSON shape of one projection of a view.
type Rendered struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	HasMore      bool   `json:"hasMore"`
	FetchingMore bool   `json:"fetchingMore"`
	Filter       string `json:"filter,omitempty"`
	Count        int    `json:"count"`
	Items        any    `json:"items"`
}

type binding[T any] struct {
	view *live.View[T]
}

// Bind exposes v to the server.
func Bind[T any](v *live.View[T]) View {
	return &binding[T]{view: v}
}

func (b *binding[T]) Render(text string) Rendered {
	snap := b.view.Snapshot()
	if text == "" {
		text = b.view.Filter()
	}
	items := b.view.ProjectWith(text)
	return Rendered{
		Name:         b.view.Name(),
		State:        snap.State.String(),
		HasMore:      snap.HasMore,
		FetchingMore: snap.FetchingMore,
		Filter:       text,
		Count:        len(items),
		Items:        items,
	}
}

func (b *binding[T]) Watch(fn func()) *collection.Listener {
	return b.view.Subscribe(func(collection.Snapshot[T]) { fn() })
}

func (b *binding[T]) LoadMore(ctx context.Context) error { return b.view.LoadMore(ctx) }

func (b *binding[T]) Reload(ctx context.Context) error { return b.view.Reload(ctx) }

func (b *binding[T]) Create(raw []byte) (any, error) {
	var item T
	if err := sonic.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadItem, err)
	}
	return b.view.Create(item)
}

// Update merges the JSON patch in raw over the loaded item.
func (b *binding[T]) Update(id string, raw []byte) (any, error) {
	item, ok := b.view.Get(id)
	if !ok {
		return nil, errNotLoaded
	}
	if err := sonic.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadItem, err)
	}
	if b.view.ID(item) != id {
		return nil, fmt.Errorf("%w: id cannot change", errBadItem)
	}
	if err := b.view.Update(item); err != nil {
		return nil, err
	}
	return item, nil
}

func (b *binding[T]) Delete(id string) error {
	if _, ok := b.view.Get(id); !ok {
		return errNotLoaded
	}
	return b.view.Delete(id)
}

func (b *binding[T]) Close() { b.view.Close() }

type entry struct {
	view    View
	broker  *updateBroker
	watcher *collection.Listener
}

// Registry holds the views served by name.
type Registry struct {
	mu    sync.RWMutex
	views map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{views: make(map[string]*entry)}
}

// Add serves view under name, replacing and closing any previous view of
// that name.
func (r *Registry) Add(name string, view View) {
	e := &entry{view: view, broker: newUpdateBroker()}
	e.watcher = view.Watch(e.broker.notify)

	r.mu.Lock()
	old := r.views[name]
	r.views[name] = e
	r.mu.Unlock()
	if old != nil {
		old.close()
	}
}

// Remove closes and forgets the view called name.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	e, ok := r.views[name]
	delete(r.views, name)
	r.mu.Unlock()
	if ok {
		e.close()
	}
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.views))
	for name := range r.views {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every view.
func (r *Registry) Close() {
	r.mu.Lock()
	views := r.views
	r.views = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range views {
		e.close()
	}
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.views[name]
	if !ok {
		return nil, errUnknownView
	}
	return e, nil
}

func (e *entry) close() {
	e.watcher.Release()
	e.view.Close()
	e.broker.close()
}
