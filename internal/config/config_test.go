package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(path, &Config{
		API:     APIConfig{Enabled: true, Addr: ":8080"},
		Storage: StorageConfig{Driver: "sqlite"},
	}))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Rules.Windows)
	require.NotEmpty(t, cfg.Rules.BaseDelta)
	require.Equal(t, DefaultConfig().Admission.MaxBatchBytes, cfg.Admission.MaxBatchBytes)
}

func TestDefaultConfigMatchesDocumentedDefaults(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, 10*time.Minute, cfg.Session.HeartbeatTimeout, "session_stale_threshold defaults to 600s")
	require.Equal(t, 10, cfg.Evidence.MaxSizeKB, "evidence soft cap defaults to 10 KiB")
	require.Equal(t, map[string]float64{
		"MULTI_PERSON":      50,
		"FACE_MISSING":      15,
		"CAMERA_BLOCKED":    15,
		"TAB_SWITCH":        5,
		"LOOK_AWAY":         5,
		"LOW_LIGHT":         2,
		"SUSPICIOUS_OBJECT": 20,
	}, cfg.Rules.BaseDelta)
}

func TestLoadRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("   \n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRoundTripsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.API.Addr = ":9999"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", loaded.API.Addr)
}

func TestValidateRejectsMissingAPIAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Addr = ""
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsMissingStorageDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = ""
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsEventBusEnabledWithoutBrokers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventBus.Enabled = true
	cfg.EventBus.Brokers = nil
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsNonImmediateWindowWithoutDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules.Windows["BROKEN"] = RuleWindow{Immediate: false, Window: 0, Threshold: 1}
	require.Error(t, Validate(cfg))
}

func TestManagerReloadPicksUpChangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	require.NoError(t, Save(path, cfg))

	mgr, err := NewManager(path)
	require.NoError(t, err)
	require.Equal(t, cfg.API.Addr, mgr.Get().API.Addr)

	cfg.API.Addr = ":7777"
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, Save(path, cfg))

	needs, err := mgr.NeedsReload()
	require.NoError(t, err)
	require.True(t, needs)

	reloaded, err := mgr.Reload()
	require.NoError(t, err)
	require.Equal(t, ":7777", reloaded.API.Addr)
	require.Equal(t, ":7777", mgr.Get().API.Addr)
}

func TestManagerWatchInvokesOnReloadAfterFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	require.NoError(t, Save(path, cfg))

	mgr, err := NewManager(path)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	stop := make(chan struct{})
	go mgr.Watch(5*time.Millisecond, func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	}, nil, stop)
	defer close(stop)

	time.Sleep(10 * time.Millisecond)
	cfg.API.Addr = ":6666"
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-reloaded:
		require.Equal(t, ":6666", c.API.Addr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestResolvePathLeavesAbsolutePathUnchanged(t *testing.T) {
	require.Equal(t, "/etc/proctor/config.yaml", ResolvePath("/etc/proctor/config.yaml"))
}

func TestResolvePathIsNoOpForEmptyPath(t *testing.T) {
	require.Equal(t, "", ResolvePath(""))
}
