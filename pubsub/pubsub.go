package pubsub

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Every payload needs a type to distinguish what kind of update it is.
type Payload interface {
	Type() string
}

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify chanName that there is a new payload p. Return an error if we failed to send the notification.
	Notify(chanName string, p Payload) error
	// Close is called when we should stop notifying.
	Close() error
}

// Listener represents the common functions required by all subscription listeners
type Listener interface {
	// Subscribe to payloads on this channel. The callback fires on a dedicated goroutine
	// per subscription. The returned cancel function stops the callback firing; it is
	// safe to call more than once.
	Subscribe(chanName string, fn func(p Payload)) (cancel func())
	// Close the listener. No more callbacks should fire.
	Close() error
}

// PubSub is an in-process bus with per-channel fanout. Delivery is best-effort: a
// subscriber whose buffer is full has the payload dropped rather than blocking the
// notifier. Receivers that care about ordering must enforce it themselves, e.g via a
// version carried in the payload.
type PubSub struct {
	mu         sync.Mutex
	chans      map[string]map[int]chan Payload
	nextSubID  int
	closed     bool
	bufferSize int
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		chans:      make(map[string]map[int]chan Payload),
		bufferSize: bufferSize,
	}
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return fmt.Errorf("notify with payload %v on closed pubsub", p.Type())
	}
	for _, ch := range ps.chans[chanName] {
		select {
		case ch <- p:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

func (ps *PubSub) Subscribe(chanName string, fn func(p Payload)) (cancel func()) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ch := make(chan Payload, ps.bufferSize)
	if ps.closed {
		close(ch)
		return func() {}
	}
	subs := ps.chans[chanName]
	if subs == nil {
		subs = make(map[int]chan Payload)
		ps.chans[chanName] = subs
	}
	id := ps.nextSubID
	ps.nextSubID++
	subs[id] = ch
	go func() {
		for payload := range ch {
			fn(payload)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			ps.mu.Lock()
			defer ps.mu.Unlock()
			if _, ok := ps.chans[chanName][id]; ok {
				delete(ps.chans[chanName], id)
				close(ch)
			}
		})
	}
}

func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, subs := range ps.chans {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
	return nil
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trillsync",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
