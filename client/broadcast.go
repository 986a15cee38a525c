package client

import (
	"github.com/starspacegroup/trill-sync/pubsub"
)

// Broadcaster is the capability to propagate a state update to peers of the same
// origin instantly, without a server round trip. Delivery is best-effort and unordered
// beyond what the carried version lets receivers enforce. Implementations are chosen
// at construction time; an engine without one degrades gracefully to poll-only.
type Broadcaster interface {
	// Publish a state update to peers subscribed to this session. Errors are advisory;
	// callers must not treat a failed publish as a failed write.
	Publish(sessionID string, update pubsub.StateUpdate) error
	// Subscribe to state updates for this session. The returned cancel function stops
	// the callback firing and is safe to call more than once.
	Subscribe(sessionID string, fn func(update pubsub.StateUpdate)) (cancel func())
}

// BusBroadcaster propagates updates over an in-process pubsub bus shared by all
// engines of the same process, the way sibling browser tabs share a broadcast channel.
type BusBroadcaster struct {
	Notifier pubsub.Notifier
	Listener pubsub.Listener
}

// NewBusBroadcaster wires both sides of a Broadcaster to the same bus. If
// enablePrometheus is set, published payloads are counted per payload type.
func NewBusBroadcaster(bus *pubsub.PubSub, enablePrometheus bool) *BusBroadcaster {
	var n pubsub.Notifier = bus
	if enablePrometheus {
		n = pubsub.NewPromNotifier(n, "bus")
	}
	return &BusBroadcaster{Notifier: n, Listener: bus}
}

func (b *BusBroadcaster) Publish(sessionID string, update pubsub.StateUpdate) error {
	return b.Notifier.Notify(sessionID, &update)
}

func (b *BusBroadcaster) Subscribe(sessionID string, fn func(update pubsub.StateUpdate)) (cancel func()) {
	return b.Listener.Subscribe(sessionID, func(p pubsub.Payload) {
		if update, ok := p.(*pubsub.StateUpdate); ok {
			fn(*update)
		}
	})
}

// NopBroadcaster is the stub used where no same-origin transport exists. Publishes
// vanish and subscriptions never fire; convergence relies on polling alone.
type NopBroadcaster struct{}

func (NopBroadcaster) Publish(sessionID string, update pubsub.StateUpdate) error {
	return nil
}

func (NopBroadcaster) Subscribe(sessionID string, fn func(update pubsub.StateUpdate)) (cancel func()) {
	return func() {}
}
