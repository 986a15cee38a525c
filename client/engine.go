package client

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/starspacegroup/trill-sync/internal"
	"github.com/starspacegroup/trill-sync/pubsub"
)

const (
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultHeartbeatInterval = 5 * time.Second
	// how long a locally-written field refuses remote values
	DefaultLockWindow = 1200 * time.Millisecond
	// how long queued writes accumulate before one flush carries them all
	DefaultFlushDelay = 150 * time.Millisecond
)

var ErrNotInSession = errors.New("not in a session")

type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LockWindow        time.Duration
	FlushDelay        time.Duration
	// OnEvent, if set, receives session and membership notifications. Invoked
	// synchronously from engine goroutines; implementations should return quickly.
	OnEvent func(Event)
	Logger  *zerolog.Logger
}

// Engine replicates one session's shared state for one client. It owns the local
// mirrors (state, version, member list), a poll loop, a heartbeat loop and a debounced
// send queue, and applies remote updates through a per-field lock table so a client's
// own optimistic edit is not visually overwritten by a stale server round trip.
//
// All mirrors live on the instance; construct one Engine per simulated client and pass
// it by reference to UI bindings.
type Engine struct {
	client Client
	bus    Broadcaster
	cfg    Config
	logger zerolog.Logger

	mu                sync.Mutex
	sessionID         string
	name              string
	state             internal.StateMap
	version           int64
	members           []Member
	knownMembers      map[string]string
	seenFirstSnapshot bool
	locks             *LockTable
	pending           internal.StateMap
	// single-slot pending flush handle: while non-nil, further schedules are no-ops
	flushTimer  *time.Timer
	unsubscribe func()
	done        chan struct{}
}

func NewEngine(client Client, bus Broadcaster, cfg Config) *Engine {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.LockWindow == 0 {
		cfg.LockWindow = DefaultLockWindow
	}
	if cfg.FlushDelay == 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	if bus == nil {
		bus = NopBroadcaster{}
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Engine{
		client: client,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
	}
}

// Join enters a session, leaving the current one first if needed. All local mirrors
// are reset, the broadcast bus is opened for the new session, and one heartbeat plus
// one poll are issued synchronously so initial state is available without waiting a
// full interval. Then the poll and heartbeat tickers start.
func (e *Engine) Join(ctx context.Context, sessionID string) {
	e.Leave(ctx)
	e.mu.Lock()
	e.sessionID = sessionID
	e.name = ""
	e.state = internal.StateMap{}
	e.version = 0
	e.members = nil
	e.knownMembers = nil
	e.seenFirstSnapshot = false
	e.locks = NewLockTable(e.cfg.LockWindow)
	e.pending = internal.StateMap{}
	e.done = make(chan struct{})
	done := e.done
	e.unsubscribe = e.bus.Subscribe(sessionID, e.onBroadcast)
	e.mu.Unlock()

	e.heartbeat(ctx, sessionID)
	e.poll(ctx, sessionID)
	go e.pollLoop(done, sessionID)
	go e.heartbeatLoop(done, sessionID)
	e.logger.Info().Str("session", sessionID).Msg("joined session")
	e.emit(Event{Type: EventJoined, SessionID: sessionID})
}

// Leave exits the current session: a best-effort presence removal (failure is ignored,
// the server's timeout is the fallback), both tickers cancelled, the bus closed and
// all local mirrors cleared. No-op if not in a session. An in-flight request begun
// just before Leave may still complete; its response is discarded because the session
// fields no longer match.
func (e *Engine) Leave(ctx context.Context) {
	e.mu.Lock()
	if e.sessionID == "" {
		e.mu.Unlock()
		return
	}
	sid := e.sessionID
	e.mu.Unlock()

	if _, err := e.client.RemovePresence(ctx, sid); err != nil {
		e.logger.Debug().Err(err).Str("session", sid).Msg("failed to remove presence, timeout will collect it")
	}

	e.mu.Lock()
	if e.sessionID != sid {
		// raced with another Join; that call owns the teardown now
		e.mu.Unlock()
		return
	}
	done := e.done
	e.done = nil
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	locks := e.locks
	e.locks = nil
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	e.sessionID = ""
	e.name = ""
	e.state = nil
	e.version = 0
	e.members = nil
	e.knownMembers = nil
	e.seenFirstSnapshot = false
	e.pending = nil
	e.mu.Unlock()

	if done != nil {
		close(done)
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if locks != nil {
		locks.Stop()
	}
	e.logger.Info().Str("session", sid).Msg("left session")
	e.emit(Event{Type: EventLeft, SessionID: sid})
}

// UpdateState applies the partial write to the local mirror immediately, locks every
// written field for the lock window, and queues the write for the next debounced
// flush. At most one flush is pending at a time; writes landing before it fires are
// coalesced into it.
func (e *Engine) UpdateState(partial map[string]any) error {
	m := internal.StateMap(partial)
	if err := m.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionID == "" {
		return ErrNotInSession
	}
	for k, v := range m {
		e.state[k] = v
		e.locks.Lock(k)
		e.pending[k] = v
	}
	if e.flushTimer == nil {
		e.flushTimer = time.AfterFunc(e.cfg.FlushDelay, e.flush)
	}
	return nil
}

// IsInSession reports whether the engine is currently in the given session.
func (e *Engine) IsInSession(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID == sessionID
}

// SessionID returns the current session identifier, or "" if not in a session.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Name returns the display name of the current session, as of the last poll.
func (e *Engine) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// State returns a copy of the local state mirror and the last accepted version.
func (e *Engine) State() (internal.StateMap, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Copy(), e.version
}

// Members returns a copy of the member list from the last poll.
func (e *Engine) Members() []Member {
	e.mu.Lock()
	defer e.mu.Unlock()
	members := make([]Member, len(e.members))
	copy(members, e.members)
	return members
}

// flush fires once per debounce window. It atomically swaps out the send queue and, if
// non-empty, issues one write carrying the entire accumulated partial state. On
// success the returned version becomes the new local version and the same
// partial+version pair goes out on the broadcast bus, so same-origin peers update with
// zero extra latency. On failure the update is dropped: the fields stay locked until
// their window expires, after which the next successful poll supplies the
// authoritative values, so no retry queue is needed.
func (e *Engine) flush() {
	e.mu.Lock()
	e.flushTimer = nil
	sid := e.sessionID
	batch := e.pending
	if sid != "" {
		e.pending = internal.StateMap{}
	}
	e.mu.Unlock()
	if sid == "" || len(batch) == 0 {
		return
	}

	resp, _, err := e.client.PutState(context.Background(), sid, batch)
	if err != nil {
		e.logger.Warn().Err(err).Str("session", sid).Strs("fields", internal.Keys(batch)).Msg("state write failed, dropping")
		return
	}

	e.mu.Lock()
	if e.sessionID == sid && resp.StateVersion > e.version {
		e.version = resp.StateVersion
	}
	e.mu.Unlock()

	if err := e.bus.Publish(sid, pubsub.StateUpdate{SessionID: sid, State: batch, Version: resp.StateVersion}); err != nil {
		e.logger.Debug().Err(err).Str("session", sid).Msg("broadcast publish failed")
	}
}

func (e *Engine) pollLoop(done chan struct{}, sessionID string) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.poll(context.Background(), sessionID)
		}
	}
}

func (e *Engine) heartbeatLoop(done chan struct{}, sessionID string) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.heartbeat(context.Background(), sessionID)
		}
	}
}

// poll requests the session snapshot and reconciles it into the local mirrors.
// Network failures are swallowed; the next tick retries unconditionally, the bounded
// tick interval being the throttle.
func (e *Engine) poll(ctx context.Context, sessionID string) {
	snapshot, _, err := e.client.GetState(ctx, sessionID)
	if err != nil {
		e.logger.Debug().Err(err).Str("session", sessionID).Msg("poll failed, retrying next tick")
		return
	}

	e.mu.Lock()
	if e.sessionID != sessionID {
		// left or re-joined while the request was in flight
		e.mu.Unlock()
		return
	}
	e.name = snapshot.Name
	// diff against the previous snapshot before overwriting the stored member list
	var events []Event
	if !e.seenFirstSnapshot {
		e.seenFirstSnapshot = true
		e.knownMembers = MemberSet(snapshot.Members)
	} else {
		events, e.knownMembers = DiffMembers(e.knownMembers, snapshot.Members)
	}
	e.members = snapshot.Members
	e.applyRemoteLocked(snapshot.State, snapshot.StateVersion)
	e.mu.Unlock()

	for _, ev := range events {
		ev.SessionID = sessionID
		e.emit(ev)
	}
}

func (e *Engine) heartbeat(ctx context.Context, sessionID string) {
	if _, err := e.client.Heartbeat(ctx, sessionID); err != nil {
		e.logger.Debug().Err(err).Str("session", sessionID).Msg("heartbeat failed, retrying next tick")
	}
}

// onBroadcast applies a peer's flushed update with the same merge logic as polled
// state, keyed by the version carried in the message instead of a freshly fetched one.
func (e *Engine) onBroadcast(update pubsub.StateUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionID != update.SessionID {
		return
	}
	e.applyRemoteLocked(internal.StateMap(update.State), update.Version)
}

// applyRemoteLocked is the version-gated merge. The payload is ignored entirely unless
// its version is strictly greater than the local one. Fields with an unexpired lock
// keep their local optimistic value for this pass only; the new version is adopted
// regardless, because skipped fields keep being re-delivered on following ticks and
// broadcasts until their lock expires. Callers must hold e.mu.
func (e *Engine) applyRemoteLocked(incoming internal.StateMap, version int64) {
	prev := e.version
	if version <= prev {
		return
	}
	for k, v := range incoming {
		if e.locks.Locked(k) {
			continue
		}
		e.state[k] = v
	}
	e.version = version
	internal.Assert("local version never regresses", e.version > prev)
}

func (e *Engine) emit(ev Event) {
	if e.cfg.OnEvent != nil {
		e.cfg.OnEvent(ev)
	}
}
