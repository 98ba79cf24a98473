package service

import (
	"fmt"
	"sync"
	"time"
)

// PermissionCacheTTL bounds how long a (user, action) decision is
// reused. Staleness up to the TTL is an accepted tradeoff.
const PermissionCacheTTL = 5 * time.Minute

type permEntry struct {
	allowed   bool
	expiresAt time.Time
}

// PermissionGate answers "can user U perform scheduling action A" over
// the external permission store, caching results per (user, action) so
// repeated checks inside one batch do not hammer the store. The gate is
// an injected, explicitly-lifecycled component; role changes must call
// Invalidate.
type PermissionGate struct {
	perms  PermissionStore
	clock  Clock
	logger Logger
	mu     sync.Mutex
	cache  map[string]permEntry
}

func NewPermissionGate(perms PermissionStore, clock Clock, logger Logger) *PermissionGate {
	return &PermissionGate{
		perms:  perms,
		clock:  clock,
		logger: logger,
		cache:  make(map[string]permEntry),
	}
}

func permKey(userID int64, action string) string {
	return fmt.Sprintf("%d:%s", userID, action)
}

// CanPerform reports whether the user holds the permission. Lookup
// failures deny and are logged; they are never cached.
func (g *PermissionGate) CanPerform(userID int64, action string) bool {
	now := g.clock.Now()
	key := permKey(userID, action)

	g.mu.Lock()
	if entry, ok := g.cache[key]; ok && entry.expiresAt.After(now) {
		g.mu.Unlock()
		return entry.allowed
	}
	g.mu.Unlock()

	allowed, err := g.perms.HasPermission(userID, action)
	if err != nil {
		g.logger.Errorf("Permission lookup failed for user %d action %q: %v", userID, action, err)
		return false
	}

	g.mu.Lock()
	g.cache[key] = permEntry{allowed: allowed, expiresAt: now.Add(PermissionCacheTTL)}
	g.mu.Unlock()
	return allowed
}

// Invalidate drops all cached decisions for a user, for example after a
// role change event.
func (g *PermissionGate) Invalidate(userID int64) {
	prefix := fmt.Sprintf("%d:", userID)
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.cache {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(g.cache, key)
		}
	}
}

// InvalidateAll clears the whole cache.
func (g *PermissionGate) InvalidateAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache = make(map[string]permEntry)
}
