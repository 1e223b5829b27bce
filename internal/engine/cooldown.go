package engine

import (
	"time"

	"proctorguard/internal/ephemeral"
)

// Cooldown suppresses repeat alerts for the same sessionID/eventType
// pair within a window, backed by the ephemeral store's
// alert-count:{sessionId}:{type} key so the gate survives a process
// restart within the cooldown TTL instead of resetting to zero.
type Cooldown struct {
	store *ephemeral.Store
}

func NewCooldown(store *ephemeral.Store) *Cooldown {
	return &Cooldown{store: store}
}

// AllowKey reports whether an alert may fire for key, atomically
// claiming the cooldown epoch when it does. key is the caller-built
// alert-count:{sessionId}:{type} identifier.
func (c *Cooldown) AllowKey(key string, cooldown time.Duration) bool {
	if cooldown <= 0 || c.store == nil {
		return true
	}
	firstSeen, err := c.store.SetIfAbsent(key, cooldown)
	if err != nil {
		return true
	}
	return firstSeen
}
