package api

import "testing"

func TestBrokerCoalescesAndUnsubscribes(t *testing.T) {
	b := newUpdateBroker()
	ch := b.subscribe()
	b.notify()
	b.notify()
	select {
	case <-ch:
	default:
		t.Fatal("expected a wakeup")
	}
	select {
	case <-ch:
		t.Fatal("expected wakeups to coalesce")
	default:
	}

	b.unsubscribe(ch)
	b.notify()
	select {
	case <-ch:
		t.Fatal("received wakeup after unsubscribe")
	default:
	}
}

func TestBrokerCloseEndsSubscribers(t *testing.T) {
	b := newUpdateBroker()
	ch := b.subscribe()
	b.close()
	b.close()
	if _, open := <-ch; open {
		t.Fatal("expected channel closed")
	}
	if _, open := <-b.subscribe(); open {
		t.Fatal("expected late subscriber to get a closed channel")
	}
	b.unsubscribe(ch)
	b.notify()
}
