package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	API        APIConfig        `json:"api" yaml:"api"`
	Credential CredentialConfig `json:"credential" yaml:"credential"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Ephemeral  EphemeralConfig  `json:"ephemeral" yaml:"ephemeral"`
	Evidence   EvidenceConfig   `json:"evidence" yaml:"evidence"`
	EventBus   EventBusConfig   `json:"event_bus" yaml:"event_bus"`
	Rules      RulesConfig      `json:"rules" yaml:"rules"`
	Admission  AdmissionConfig  `json:"admission" yaml:"admission"`
	Session    SessionConfig    `json:"session" yaml:"session"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// CredentialConfig configures RS256 verification of the identity token
// attached to every proctoring request.
type CredentialConfig struct {
	JWKSURL         string        `json:"jwks_url" yaml:"jwks_url"`
	StaticPublicKey string        `json:"static_public_key_path" yaml:"static_public_key_path"`
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
	Issuer          string        `json:"issuer" yaml:"issuer"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// EphemeralConfig configures the restart-durable TTL store backing
// replay detection, rate limiting and alert-count gates.
type EphemeralConfig struct {
	BadgerPath string `json:"badger_path" yaml:"badger_path"`
}

type EvidenceConfig struct {
	BlobRoot   string `json:"blob_root" yaml:"blob_root"`
	MaxSizeKB  int    `json:"max_size_kb" yaml:"max_size_kb"`
}

type EventBusConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	Brokers       []string `json:"brokers" yaml:"brokers"`
	Topic         string   `json:"topic" yaml:"topic"`
	ConsumerGroup string   `json:"consumer_group" yaml:"consumer_group"`
}

// RulesConfig carries the sliding-window thresholds and decay
// parameters used by the rules engine, keyed by event type.
type RulesConfig struct {
	Windows          map[string]RuleWindow `json:"windows" yaml:"windows"`
	AlertCooldown    time.Duration         `json:"alert_cooldown" yaml:"alert_cooldown"`
	RiskDecayFactor  float64               `json:"risk_decay_factor" yaml:"risk_decay_factor"`
	SnapshotInterval time.Duration         `json:"snapshot_interval" yaml:"snapshot_interval"`
	BaseDelta        map[string]float64    `json:"base_delta" yaml:"base_delta"`
}

// RuleWindow is the (window, threshold, severity) triple that governs
// when an accumulation of one event type raises an alert.
type RuleWindow struct {
	Window    time.Duration `json:"window" yaml:"window"`
	Threshold int           `json:"threshold" yaml:"threshold"`
	Severity  string        `json:"severity" yaml:"severity"`
	Immediate bool          `json:"immediate" yaml:"immediate"`
}

type AdmissionConfig struct {
	MaxBatchBytes    int           `json:"max_batch_bytes" yaml:"max_batch_bytes"`
	MaxClockSkewPast time.Duration `json:"max_clock_skew_past" yaml:"max_clock_skew_past"`
	MaxClockSkewFut  time.Duration `json:"max_clock_skew_future" yaml:"max_clock_skew_future"`
	ReplayTTL        time.Duration `json:"replay_ttl" yaml:"replay_ttl"`
	RateLimitPerMin  int           `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	RateLimitWindow  time.Duration `json:"rate_limit_window" yaml:"rate_limit_window"`
}

type SessionConfig struct {
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	LockShardSize    int           `json:"lock_shard_size" yaml:"lock_shard_size"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		API:      APIConfig{Enabled: true, Addr: ":8080"},
		Credential: CredentialConfig{
			RefreshInterval: 10 * time.Minute,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "file:proctor.db?_pragma=busy_timeout(5000)",
		},
		Ephemeral: EphemeralConfig{BadgerPath: "./data/ephemeral"},
		Evidence:  EvidenceConfig{BlobRoot: "./data/evidence", MaxSizeKB: 10},
		EventBus: EventBusConfig{
			Enabled:       false,
			Topic:         "proctoring.events",
			ConsumerGroup: "proctor-rules-engine",
		},
		Rules: RulesConfig{
			Windows: map[string]RuleWindow{
				"MULTI_PERSON":      {Window: 0, Threshold: 1, Severity: "CRITICAL", Immediate: true},
				"FACE_MISSING":      {Window: 5 * time.Minute, Threshold: 3, Severity: "HIGH"},
				"CAMERA_BLOCKED":    {Window: 5 * time.Minute, Threshold: 3, Severity: "HIGH"},
				"TAB_SWITCH":        {Window: 5 * time.Minute, Threshold: 2, Severity: "MEDIUM"},
				"LOOK_AWAY":         {Window: 5 * time.Minute, Threshold: 5, Severity: "MEDIUM"},
				"LOW_LIGHT":         {Window: 0, Threshold: 0, Severity: "LOW"},
				"SUSPICIOUS_OBJECT": {Window: 0, Threshold: 1, Severity: "MEDIUM", Immediate: true},
			},
			AlertCooldown:    5 * time.Minute,
			RiskDecayFactor:  0.98,
			SnapshotInterval: 60 * time.Second,
			BaseDelta: map[string]float64{
				"MULTI_PERSON":      50,
				"FACE_MISSING":      15,
				"CAMERA_BLOCKED":    15,
				"TAB_SWITCH":        5,
				"LOOK_AWAY":         5,
				"LOW_LIGHT":         2,
				"SUSPICIOUS_OBJECT": 20,
			},
		},
		Admission: AdmissionConfig{
			MaxBatchBytes:    65536,
			MaxClockSkewPast: 300 * time.Second,
			MaxClockSkewFut:  300 * time.Second,
			ReplayTTL:        time.Hour,
			RateLimitPerMin:  600,
			RateLimitWindow:  2 * time.Minute,
		},
		Session: SessionConfig{
			HeartbeatTimeout: 10 * time.Minute,
			SweepInterval:    30 * time.Second,
			LockShardSize:    4096,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if len(cfg.Rules.Windows) == 0 {
		cfg.Rules.Windows = def.Rules.Windows
	}
	if len(cfg.Rules.BaseDelta) == 0 {
		cfg.Rules.BaseDelta = def.Rules.BaseDelta
	}
	if cfg.Rules.RiskDecayFactor <= 0 {
		cfg.Rules.RiskDecayFactor = def.Rules.RiskDecayFactor
	}
	if cfg.Rules.SnapshotInterval <= 0 {
		cfg.Rules.SnapshotInterval = def.Rules.SnapshotInterval
	}
	if cfg.Admission.MaxBatchBytes <= 0 {
		cfg.Admission.MaxBatchBytes = def.Admission.MaxBatchBytes
	}
	if cfg.Admission.ReplayTTL <= 0 {
		cfg.Admission.ReplayTTL = def.Admission.ReplayTTL
	}
	if cfg.Admission.RateLimitPerMin <= 0 {
		cfg.Admission.RateLimitPerMin = def.Admission.RateLimitPerMin
	}
	if cfg.Admission.RateLimitWindow <= 0 {
		cfg.Admission.RateLimitWindow = def.Admission.RateLimitWindow
	}
	if cfg.Session.HeartbeatTimeout <= 0 {
		cfg.Session.HeartbeatTimeout = def.Session.HeartbeatTimeout
	}
	if cfg.Session.SweepInterval <= 0 {
		cfg.Session.SweepInterval = def.Session.SweepInterval
	}
	if cfg.Session.LockShardSize <= 0 {
		cfg.Session.LockShardSize = def.Session.LockShardSize
	}
	if cfg.Evidence.BlobRoot == "" {
		cfg.Evidence.BlobRoot = def.Evidence.BlobRoot
	}
	if cfg.Ephemeral.BadgerPath == "" {
		cfg.Ephemeral.BadgerPath = def.Ephemeral.BadgerPath
	}
	if cfg.EventBus.Topic == "" {
		cfg.EventBus.Topic = def.EventBus.Topic
	}
	if cfg.EventBus.ConsumerGroup == "" {
		cfg.EventBus.ConsumerGroup = def.EventBus.ConsumerGroup
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		return errors.New("storage.driver is required")
	}
	if cfg.EventBus.Enabled && (len(cfg.EventBus.Brokers) == 0 || cfg.EventBus.Topic == "") {
		return errors.New("event_bus requires brokers and topic when enabled")
	}
	if cfg.Admission.MaxBatchBytes <= 0 {
		return errors.New("admission.max_batch_bytes must be > 0")
	}
	for name, w := range cfg.Rules.Windows {
		// A rule with no threshold (LOW_LIGHT by default) only records
		// events and never consults its window.
		if !w.Immediate && w.Threshold > 0 && w.Window <= 0 {
			return fmt.Errorf("rules.windows[%s] has non-positive window", name)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Save(m.path, cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
