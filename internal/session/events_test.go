package session

import (
	"testing"

	"github.com/user/ptymux/internal/wire"
)

func TestBusResumesAfterID(t *testing.T) {
	bus := NewBus(3, nil)
	for _, name := range []string{"a", "b", "c", "d"} {
		bus.Publish(wire.ServerEvent{Kind: wire.EventNotice, Message: name})
	}
	if bus.LastID() != 4 {
		t.Fatalf("LastID() = %d", bus.LastID())
	}

	l := bus.Subscribe(2)
	defer l.Close()
	for _, want := range []uint64{3, 4} {
		event := <-l.C()
		if event.ID != want {
			t.Fatalf("event id = %d, want %d", event.ID, want)
		}
		if event.Time.IsZero() {
			t.Fatal("published event has no time")
		}
	}

	bus.Publish(wire.ServerEvent{Kind: wire.EventNotice, Message: "e"})
	if event := <-l.C(); event.ID != 5 || event.Message != "e" {
		t.Fatalf("live event = %+v", event)
	}
}

func TestBusFreshListenerSkipsHistory(t *testing.T) {
	bus := NewBus(0, nil)
	bus.Publish(wire.ServerEvent{Kind: wire.EventNotice})

	l := bus.Subscribe(0)
	defer l.Close()
	select {
	case event := <-l.C():
		t.Fatalf("unexpected backlog event %+v", event)
	default:
	}
}

func TestBusDetachesSlowListener(t *testing.T) {
	bus := NewBus(0, nil)
	l := bus.Subscribe(0)

	for i := 0; i < eventListenerBacklog+1; i++ {
		bus.Publish(wire.ServerEvent{Kind: wire.EventNotice})
	}

	received := 0
	for range l.C() {
		received++
	}
	if received != eventListenerBacklog {
		t.Fatalf("received %d events before detach, want %d", received, eventListenerBacklog)
	}
	l.Close()
}
