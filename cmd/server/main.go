// Command server runs the proctoring anomaly pipeline: the admission
// HTTP API, the session sweeper, and (when the event bus is enabled)
// the asynchronous rules-engine consumer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"proctorguard/internal/admission"
	"proctorguard/internal/api"
	"proctorguard/internal/config"
	"proctorguard/internal/credential"
	"proctorguard/internal/dashboard"
	"proctorguard/internal/engine"
	"proctorguard/internal/ephemeral"
	"proctorguard/internal/evidence"
	"proctorguard/internal/logging"
	"proctorguard/internal/metrics"
	"proctorguard/internal/session"
	"proctorguard/internal/storage"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "proctorguard",
		Short: "Proctoring anomaly ingestion, rules and dashboard pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run initializes every component in dependency order and blocks until
// the process receives SIGINT/SIGTERM, then shuts everything down.
func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgMgr, err := config.NewManager(config.ResolvePath(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting", "version", version, "config_path", cfgMgr.Path())

	keys, err := buildKeySource(cfg.Credential)
	if err != nil {
		return fmt.Errorf("build credential key source: %w", err)
	}
	verifier := credential.NewVerifier(keys, cfg.Credential.Issuer)

	ephStore, err := ephemeral.Open(cfg.Ephemeral.BadgerPath)
	if err != nil {
		return fmt.Errorf("open ephemeral store: %w", err)
	}
	defer ephStore.Close()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("build durable store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init durable store: %w", err)
	}
	defer store.Close()

	blobs, err := evidence.NewBlobStore(cfg.Evidence.BlobRoot)
	if err != nil {
		return fmt.Errorf("build evidence blob store: %w", err)
	}

	sessions, err := session.NewManager(store, cfg.Session)
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}
	go sessions.RunSweeper(ctx, func(swept []string, err error) {
		if err != nil {
			logger.Error("session sweep failed", "err", err)
			return
		}
		if len(swept) > 0 {
			metrics.SessionsSweptTotal.Add(float64(len(swept)))
			logger.Info("swept stale sessions", "count", len(swept))
		}
	})

	eng := engine.New(cfg, logger, store, ephStore, sessions)
	go cfgMgr.Watch(30*time.Second, func(c *config.Config) {
		eng.UpdateConfig(c)
		logger.Info("config reloaded")
	}, func(err error) {
		logger.Error("config reload failed", "err", err)
	}, ctx.Done())

	var producer *kafka.Writer
	if cfg.EventBus.Enabled {
		producer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.EventBus.Brokers...),
			Topic:        cfg.EventBus.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		}
		defer producer.Close()
		engine.StartConsumer(ctx, cfgMgr, eng, logger)
	}

	pipeline := admission.New(cfgMgr, logger, store, ephStore, blobs, sessions, eng, producer)
	dash := dashboard.NewBuilder(store, logger)

	httpServer := api.Start(ctx, cfgMgr, verifier, store, blobs, sessions, pipeline, dash, logger, version)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	if httpServer != nil {
		logger.Info("api server stopped")
	}
	return nil
}

func buildKeySource(cfg config.CredentialConfig) (credential.KeySource, error) {
	if cfg.JWKSURL != "" {
		return credential.NewRotatingKeySource(cfg.JWKSURL, cfg.RefreshInterval, "primary"), nil
	}
	return credential.NewStaticKeySource(cfg.StaticPublicKey)
}
