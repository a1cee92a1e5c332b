package live

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"prism-live/collection"
	"prism-live/fetch"
	"prism-live/origin"
	"prism-live/projection"
	"prism-live/transport"
)

const testTopic = "project:p1"

func staticPager(items ...card) *pager {
	return &pager{fn: func(int, url.Values, string) (collection.Page[card], error) {
		return collection.Page[card]{Items: items}, nil
	}}
}

func cardSpec(p *pager) Spec[card] {
	return Spec[card]{
		Name:   "cards",
		Entity: "card",
		Topic:  testTopic,
		Policy: collection.Policy[card]{
			ID:       func(c card) string { return c.ID },
			Ordering: collection.NewestFirst,
		},
		Load: p.load,
		Project: projection.Projector[card]{
			Fields: func(c card) []string { return []string{c.Title} },
		},
	}
}

func mount(t *testing.T, tr transport.Subscriber, spec Spec[card]) *View[card] {
	t.Helper()
	logger, _ := test.NewNullLogger()
	tracker := origin.NewMemory(5 * time.Second)
	t.Cleanup(tracker.Close)

	deps := Deps{Tracker: tracker, Logger: logger}
	if tr != nil {
		deps.Transport = tr
	}
	v, err := Mount(context.Background(), deps, spec)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	t.Cleanup(v.Close)
	return v
}

func TestMountJoinsAndRoutesEvents(t *testing.T) {
	tr := newFakeTransport(transport.Connected)
	v := mount(t, tr, cardSpec(staticPager(card{ID: "A"}, card{ID: "B"})))

	if got := strings.Join(tr.joinLog(), " "); got != "join:"+testTopic {
		t.Fatalf("expected single join, got %q", got)
	}
	if !v.Joined() {
		t.Fatal("expected view to hold its room")
	}

	tr.emit("card:created", testTopic, `{"entity":{"id":"C","title":"new"}}`)
	tr.emit("card:created", "project:other", `{"entity":{"id":"X"}}`)
	if got := ids(v.Items()); got != "C,A,B" {
		t.Fatalf("expected C,A,B got %s", got)
	}

	tr.emit("card:updated", testTopic, `{"entity":{"id":"B","title":"renamed"}}`)
	tr.emit("card:deleted", testTopic, `{"entityId":"A"}`)
	items := v.Items()
	if ids(items) != "C,B" || items[1].Title != "renamed" {
		t.Fatalf("unexpected items %#v", items)
	}

	tr.emit("card:created", testTopic, `not json`)
	if len(v.Items()) != 2 {
		t.Fatal("expected malformed payload to be ignored")
	}
}

func TestMountWithoutTransport(t *testing.T) {
	v := mount(t, nil, cardSpec(staticPager(card{ID: "A"})))
	if ids(v.Items()) != "A" || v.Joined() {
		t.Fatalf("unexpected view state items=%s joined=%v", ids(v.Items()), v.Joined())
	}
}

func TestMountWhileDisconnectedJoinsOnConnect(t *testing.T) {
	tr := newFakeTransport(transport.Connecting)
	v := mount(t, tr, cardSpec(staticPager(card{ID: "A"})))
	if v.Joined() || len(tr.joinLog()) != 0 {
		t.Fatal("expected no join before the connection is up")
	}

	tr.setState(transport.StateChange{State: transport.Connected})
	if !v.Joined() {
		t.Fatal("expected join once connected")
	}
}

func TestReconnectRejoinsAndReloads(t *testing.T) {
	tr := newFakeTransport(transport.Connected)
	var mu sync.Mutex
	serverItems := []card{{ID: "A"}}
	p := &pager{fn: func(int, url.Values, string) (collection.Page[card], error) {
		mu.Lock()
		defer mu.Unlock()
		return collection.Page[card]{Items: append([]card(nil), serverItems...)}, nil
	}}
	v := mount(t, tr, cardSpec(p))

	tr.setState(transport.StateChange{State: transport.Disconnected, Err: errors.New("dropped")})
	if v.Joined() {
		t.Fatal("expected room to be dropped with the connection")
	}
	mu.Lock()
	serverItems = []card{{ID: "M"}, {ID: "A"}}
	mu.Unlock()

	tr.setState(transport.StateChange{State: transport.Connected, Reconnect: true})
	if got := strings.Join(tr.joinLog(), " "); got != "join:"+testTopic+" join:"+testTopic {
		t.Fatalf("expected re-join after reconnect, got %q", got)
	}
	eventually(t, func() bool { return ids(v.Items()) == "M,A" }, "expected reload to recover missed events")
	if p.callCount() != 2 {
		t.Fatalf("expected one reload, got %d loads", p.callCount())
	}
}

func TestCloseLeavesRoomAndReleasesHandlers(t *testing.T) {
	tr := newFakeTransport(transport.Connected)
	v, err := Mount(context.Background(), Deps{Transport: tr}, cardSpec(staticPager(card{ID: "A"})))
	if err != nil {
		t.Fatalf("mount: %v", err)
	}

	v.Close()
	v.Close()
	if got := strings.Join(tr.joinLog(), " "); got != "join:"+testTopic+" leave:"+testTopic {
		t.Fatalf("expected symmetric join/leave, got %q", got)
	}
	if tr.handlerCount() != 0 {
		t.Fatalf("expected all handlers released, %d left", tr.handlerCount())
	}
	if _, err := v.Create(card{ID: "B"}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly for a spec without Create, got %v", err)
	}
}

func TestTopicChangeKeepsJoinsSymmetric(t *testing.T) {
	tr := newFakeTransport(transport.Connected)
	first := cardSpec(staticPager())
	v1, err := Mount(context.Background(), Deps{Transport: tr}, first)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	v1.Close()

	second := cardSpec(staticPager())
	second.Topic = "project:p2"
	v2 := mount(t, tr, second)
	v2.Close()

	want := "join:project:p1 leave:project:p1 join:project:p2 leave:project:p2"
	if got := strings.Join(tr.joinLog(), " "); got != want {
		t.Fatalf("expected %q got %q", want, got)
	}
}

func TestLocalCreateEchoSuppressed(t *testing.T) {
	tr := newFakeTransport(transport.Connected)
	spec := cardSpec(staticPager(card{ID: "A"}, card{ID: "B"}))
	done := make(chan struct{}, 1)
	spec.Create = func(_ context.Context, c card) (*card, error) {
		defer func() { done <- struct{}{} }()
		return &c, nil
	}
	v := mount(t, tr, spec)

	if _, err := v.Create(card{ID: "D", Title: "draft"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := ids(v.Items()); got != "D,A,B" {
		t.Fatalf("expected optimistic insert at head, got %s", got)
	}
	<-done
	tr.emit("card:created", testTopic, `{"entity":{"id":"D","title":"draft"}}`)
	if got := ids(v.Items()); got != "D,A,B" {
		t.Fatalf("expected echo to be suppressed, got %s", got)
	}
	tr.emit("card:deleted", testTopic, `{"entityId":"B"}`)
	if got := ids(v.Items()); got != "D,A" {
		t.Fatalf("expected D,A got %s", got)
	}
}

func TestCreateFailureReloadsFirstPage(t *testing.T) {
	p := staticPager(card{ID: "A"})
	spec := cardSpec(p)
	spec.Create = func(context.Context, card) (*card, error) {
		return nil, &fetch.Error{Kind: fetch.KindValidation, Status: http.StatusBadRequest, Message: "title is required"}
	}
	v := mount(t, newFakeTransport(transport.Connected), spec)

	errs := make(chan Error, 2)
	v.OnError(func(e Error) { errs <- e })

	if _, err := v.Create(card{ID: "D"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case e := <-errs:
		if e.Op != "create" || e.ID != "D" || fetch.KindOf(e.Err) != fetch.KindValidation {
			t.Fatalf("unexpected error %#v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected error notification")
	}
	eventually(t, func() bool { return ids(v.Items()) == "A" && p.callCount() == 2 }, "expected full reload to drop the failed item")
}

func TestAuthExpiredMutationDoesNotReload(t *testing.T) {
	p := staticPager(card{ID: "A"})
	spec := cardSpec(p)
	spec.Update = func(context.Context, card) (*card, error) {
		return nil, &fetch.Error{Kind: fetch.KindAuthExpired, Status: http.StatusUnauthorized}
	}
	v := mount(t, nil, spec)

	errs := make(chan Error, 1)
	v.OnError(func(e Error) { errs <- e })
	if err := v.Update(card{ID: "A", Title: "edit"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	select {
	case e := <-errs:
		if !fetch.IsAuthExpired(e.Err) {
			t.Fatalf("unexpected error %v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected error notification")
	}
	v.Close()
	if p.callCount() != 1 {
		t.Fatalf("expected no reload after auth failure, got %d loads", p.callCount())
	}
}

func TestErrorListenerMayCloseView(t *testing.T) {
	spec := cardSpec(staticPager(card{ID: "A"}))
	spec.Update = func(context.Context, card) (*card, error) {
		return nil, &fetch.Error{Kind: fetch.KindServer, Status: http.StatusInternalServerError}
	}
	v := mount(t, nil, spec)

	closed := make(chan struct{})
	v.OnError(func(Error) {
		v.Close()
		close(closed)
	})
	if err := v.Update(card{ID: "A", Title: "edit"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close from an error listener did not return")
	}
	if err := v.Update(card{ID: "A"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestSaturatedQueueRejectsAndReloads(t *testing.T) {
	p := staticPager(card{ID: "A"})
	spec := cardSpec(p)
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var sent []string
	spec.Update = func(_ context.Context, c card) (*card, error) {
		mu.Lock()
		sent = append(sent, c.Title)
		mu.Unlock()
		if c.Title == "first" {
			started <- struct{}{}
			<-gate
		}
		return nil, nil
	}
	logger, _ := test.NewNullLogger()
	v, err := Mount(context.Background(), Deps{
		Logger:   logger,
		Dispatch: DispatchSettings{Workers: 1, Buffer: 1, Timeout: time.Second},
	}, spec)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	t.Cleanup(v.Close)

	if err := v.Update(card{ID: "A", Title: "first"}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	<-started
	if err := v.Update(card{ID: "A", Title: "second"}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if err := v.Update(card{ID: "A", Title: "third"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	eventually(t, func() bool { return p.callCount() == 2 }, "expected rejected update to be rolled back by a reload")
	close(gate)
	v.Close()

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(sent, ",") != "first,second" {
		t.Fatalf("expected updates sent in order without the rejected one, got %v", sent)
	}
}

func TestCreateWithServerAssignedID(t *testing.T) {
	tr := newFakeTransport(transport.Connected)
	spec := cardSpec(staticPager(card{ID: "A"}))
	spec.Create = func(_ context.Context, c card) (*card, error) {
		c.ID = "srv-1"
		return &c, nil
	}
	v := mount(t, tr, spec)

	if _, err := v.Create(card{ID: "local-1", Title: "t"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	eventually(t, func() bool { return ids(v.Items()) == "srv-1,A" }, "expected optimistic item to take the server id")
	tr.emit("card:created", testTopic, `{"entity":{"id":"srv-1","title":"t"}}`)
	if got := ids(v.Items()); got != "srv-1,A" {
		t.Fatalf("expected echo with server id suppressed, got %s", got)
	}
}

func TestDeleteRemovesOptimistically(t *testing.T) {
	spec := cardSpec(staticPager(card{ID: "A"}, card{ID: "B"}))
	deleted := make(chan string, 1)
	spec.Delete = func(_ context.Context, id string) error {
		deleted <- id
		return nil
	}
	v := mount(t, nil, spec)

	if err := v.Delete("A"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := ids(v.Items()); got != "B" {
		t.Fatalf("expected B got %s", got)
	}
	if id := <-deleted; id != "A" {
		t.Fatalf("unexpected delete %q", id)
	}
}

func TestSetQueryReloadsAndFiltersRemoteCreates(t *testing.T) {
	p := &pager{fn: func(_ int, query url.Values, _ string) (collection.Page[card], error) {
		if query.Get("status") == "done" {
			return collection.Page[card]{Items: []card{{ID: "D1", Status: "done"}}}, nil
		}
		return collection.Page[card]{Items: []card{{ID: "T1", Status: "todo"}, {ID: "T2", Status: "todo"}}}, nil
	}}
	tr := newFakeTransport(transport.Connected)
	spec := cardSpec(p)
	spec.Admit = func(query url.Values, c card) bool {
		status := query.Get("status")
		return status == "" || c.Status == status
	}
	v := mount(t, tr, spec)

	if err := v.SetQuery(context.Background(), url.Values{"status": []string{"done"}}); err != nil {
		t.Fatalf("set query: %v", err)
	}
	if got := ids(v.Items()); got != "D1" {
		t.Fatalf("expected exactly the filtered first page, got %s", got)
	}
	if v.Query().Get("status") != "done" {
		t.Fatalf("unexpected query %v", v.Query())
	}
	tr.emit("card:created", testTopic, `{"entity":{"id":"T3","status":"todo"}}`)
	tr.emit("card:created", testTopic, `{"entity":{"id":"D2","status":"done"}}`)
	if got := ids(v.Items()); got != "D2,D1" {
		t.Fatalf("expected only matching creates, got %s", got)
	}
}

func TestProjectedUsesFilter(t *testing.T) {
	v := mount(t, nil, cardSpec(staticPager(card{ID: "1", Title: "Write docs"}, card{ID: "2", Title: "Ship"})))
	v.SetFilter("DOCS")
	if got := ids(v.Projected()); got != "1" {
		t.Fatalf("expected filtered projection, got %s", got)
	}
	if len(v.Items()) != 2 {
		t.Fatal("expected projection to leave the collection untouched")
	}
}

func TestMountNotFoundIsEmpty(t *testing.T) {
	p := &pager{fn: func(int, url.Values, string) (collection.Page[card], error) {
		return collection.Page[card]{}, &fetch.Error{Kind: fetch.KindNotFound, Status: http.StatusNotFound}
	}}
	v := mount(t, nil, cardSpec(p))
	if len(v.Items()) != 0 || v.Snapshot().State != collection.Empty {
		t.Fatalf("expected empty view, got %#v", v.Snapshot())
	}
}

func TestMountFailureLeavesRoom(t *testing.T) {
	tr := newFakeTransport(transport.Connected)
	p := &pager{fn: func(int, url.Values, string) (collection.Page[card], error) {
		return collection.Page[card]{}, &fetch.Error{Kind: fetch.KindServer, Status: http.StatusInternalServerError}
	}}
	if _, err := Mount(context.Background(), Deps{Transport: tr}, cardSpec(p)); fetch.KindOf(err) != fetch.KindServer {
		t.Fatalf("expected server error, got %v", err)
	}
	if got := strings.Join(tr.joinLog(), " "); got != "join:"+testTopic+" leave:"+testTopic {
		t.Fatalf("expected failed mount to leave its room, got %q", got)
	}
	if tr.handlerCount() != 0 {
		t.Fatal("expected handlers released after failed mount")
	}
}
