package live

import (
	"context"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"prism-live/collection"
	"prism-live/transport"
)

type fakeTransport struct {
	mu            sync.Mutex
	state         transport.State
	joins         map[string]int
	log           []string
	handlers      map[string][]*fakeHandler
	stateHandlers []*fakeStateHandler
	joinFn        func(topic string) error
}

type fakeHandler struct{ fn transport.Handler }

type fakeStateHandler struct{ fn func(transport.StateChange) }

func newFakeTransport(state transport.State) *fakeTransport {
	return &fakeTransport{state: state, joins: map[string]int{}, handlers: map[string][]*fakeHandler{}}
}

func (f *fakeTransport) Join(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.Connected {
		return transport.ErrNotConnected
	}
	if f.joinFn != nil {
		if err := f.joinFn(topic); err != nil {
			return err
		}
	}
	f.joins[topic]++
	f.log = append(f.log, "join:"+topic)
	return nil
}

func (f *fakeTransport) Leave(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joins[topic] == 0 {
		return nil
	}
	f.joins[topic]--
	f.log = append(f.log, "leave:"+topic)
	return nil
}

func (f *fakeTransport) On(event string, handler transport.Handler) *transport.Subscription {
	h := &fakeHandler{fn: handler}
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], h)
	f.mu.Unlock()
	return transport.NewSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[event] = slices.DeleteFunc(f.handlers[event], func(o *fakeHandler) bool { return o == h })
	})
}

func (f *fakeTransport) OnState(handler func(transport.StateChange)) *transport.Subscription {
	h := &fakeStateHandler{fn: handler}
	f.mu.Lock()
	f.stateHandlers = append(f.stateHandlers, h)
	f.mu.Unlock()
	return transport.NewSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stateHandlers = slices.DeleteFunc(f.stateHandlers, func(o *fakeStateHandler) bool { return o == h })
	})
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) emit(event, topic, data string) {
	f.mu.Lock()
	handlers := slices.Clone(f.handlers[event])
	f.mu.Unlock()
	for _, h := range handlers {
		h.fn(topic, []byte(data))
	}
}

func (f *fakeTransport) setState(change transport.StateChange) {
	f.mu.Lock()
	f.state = change.State
	if change.State != transport.Connected {
		f.joins = map[string]int{}
	}
	handlers := slices.Clone(f.stateHandlers)
	f.mu.Unlock()
	for _, h := range handlers {
		h.fn(change)
	}
}

func (f *fakeTransport) joinLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.log)
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.stateHandlers)
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

type card struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

type pager struct {
	mu      sync.Mutex
	calls   int
	queries []url.Values
	fn      func(call int, query url.Values, cursor string) (collection.Page[card], error)
}

func (p *pager) load(_ context.Context, query url.Values, cursor string) (collection.Page[card], error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.queries = append(p.queries, query)
	p.mu.Unlock()
	return p.fn(call, query, cursor)
}

func (p *pager) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ids(items []card) string {
	out := ""
	for i, c := range items {
		if i > 0 {
			out += ","
		}
		out += c.ID
	}
	return out
}
