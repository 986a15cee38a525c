package client

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// LockTable marks fields this client changed recently so remote values cannot
// visually overwrite the local optimistic write before the server round trip settles.
// Entries exist purely client-side and expire on their own; nothing is persisted or
// shared with other clients.
type LockTable struct {
	cache *ttlcache.Cache[string, struct{}]
}

func NewLockTable(window time.Duration) *LockTable {
	c := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](window),
		// a lock is set once per local edit; reads must not refresh it
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go c.Start()
	return &LockTable{cache: c}
}

// Lock marks the field as locally written, suppressing remote values for it until the
// lock window elapses. Locking an already-locked field restarts its window.
func (t *LockTable) Lock(field string) {
	t.cache.Set(field, struct{}{}, ttlcache.DefaultTTL)
}

// Locked reports whether the field's lock window is still open.
func (t *LockTable) Locked(field string) bool {
	return t.cache.Get(field) != nil
}

// Stop releases the expiry goroutine. The table must not be used afterwards.
func (t *LockTable) Stop() {
	t.cache.Stop()
}
