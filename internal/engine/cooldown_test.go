package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proctorguard/internal/ephemeral"
)

func TestCooldownAllowsFirstThenBlocksWithinWindow(t *testing.T) {
	c := NewCooldown(openTestEphemeral(t))
	key := "alert-count:sess-1:MULTI_PERSON"

	require.True(t, c.AllowKey(key, time.Hour))
	require.False(t, c.AllowKey(key, time.Hour))
}

func TestCooldownZeroDurationAlwaysAllows(t *testing.T) {
	c := NewCooldown(openTestEphemeral(t))
	key := "alert-count:sess-1:MULTI_PERSON"

	require.True(t, c.AllowKey(key, 0))
	require.True(t, c.AllowKey(key, 0))
}

func TestCooldownSurvivesAcrossANewCooldownInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badger")
	store, err := ephemeral.Open(path)
	require.NoError(t, err)
	key := "alert-count:sess-1:MULTI_PERSON"

	c1 := NewCooldown(store)
	require.True(t, c1.AllowKey(key, time.Hour))
	require.NoError(t, store.Close())

	// A fresh Cooldown backed by the same on-disk store, as would happen
	// after a process restart, must still see the epoch claimed above.
	store2, err := ephemeral.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })
	c2 := NewCooldown(store2)
	require.False(t, c2.AllowKey(key, time.Hour), "cooldown epoch must survive a process restart within its TTL")
}
