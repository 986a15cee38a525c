package pubsub

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPubSubFanout(t *testing.T) {
	ps := NewPubSub(10)
	defer ps.Close()
	gotA := make(chan Payload, 10)
	gotB := make(chan Payload, 10)
	ps.Subscribe("session1", func(p Payload) {
		gotA <- p
	})
	ps.Subscribe("session1", func(p Payload) {
		gotB <- p
	})
	want := &StateUpdate{SessionID: "session1", State: map[string]any{"tempo": 120.0}, Version: 3}
	if err := ps.Notify("session1", want); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	for _, ch := range []chan Payload{gotA, gotB} {
		select {
		case p := <-ch:
			update, ok := p.(*StateUpdate)
			if !ok {
				t.Fatalf("got payload of type %s, want state-update", p.Type())
			}
			if update.Version != want.Version || update.SessionID != want.SessionID {
				t.Errorf("got %+v want %+v", update, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for payload")
		}
	}
}

func TestPubSubChannelIsolation(t *testing.T) {
	ps := NewPubSub(10)
	defer ps.Close()
	got := make(chan Payload, 10)
	ps.Subscribe("session1", func(p Payload) {
		got <- p
	})
	if err := ps.Notify("session2", &StateUpdate{SessionID: "session2", Version: 1}); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	select {
	case p := <-got:
		t.Fatalf("received payload %v for a channel we never subscribed to", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPubSubCancel(t *testing.T) {
	ps := NewPubSub(10)
	defer ps.Close()
	got := make(chan Payload, 10)
	cancel := ps.Subscribe("session1", func(p Payload) {
		got <- p
	})
	cancel()
	cancel() // safe to call twice
	if err := ps.Notify("session1", &StateUpdate{SessionID: "session1", Version: 1}); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	select {
	case p := <-got:
		t.Fatalf("received payload %v after cancel", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPromNotifierCountsPayloads(t *testing.T) {
	n := NewPromNotifier(NewPubSub(10), "bus_test")
	defer n.Close()
	payload := &StateUpdate{SessionID: "session1", State: map[string]any{"tempo": 120.0}, Version: 1}
	if err := n.Notify("session1", payload); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	if err := n.Notify("session1", payload); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	counter := n.(*PromNotifier).msgCounter.WithLabelValues(payload.Type())
	if got := testutil.ToFloat64(counter); got != 2 {
		t.Errorf("payload counter = %v, want 2", got)
	}
}

func TestPubSubClosed(t *testing.T) {
	ps := NewPubSub(10)
	ps.Close()
	ps.Close() // idempotent
	if err := ps.Notify("session1", &StateUpdate{Version: 1}); err == nil {
		t.Fatalf("Notify on closed pubsub returned no error")
	}
}
