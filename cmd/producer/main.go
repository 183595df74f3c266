// Command producer polls the upstream flash feed, persists new flashes to
// Postgres, and publishes delivery-eligible flashes onto the AMQP queue.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gitpancake/invaders.producer/internal/allowlist"
	"github.com/gitpancake/invaders.producer/internal/config"
	"github.com/gitpancake/invaders.producer/internal/ledger"
	"github.com/gitpancake/invaders.producer/internal/publish"
	"github.com/gitpancake/invaders.producer/internal/store"
	"github.com/gitpancake/invaders.producer/internal/syncer"
	"github.com/gitpancake/invaders.producer/internal/upstream"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatalf("producer: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "producer",
		Short:         "Flash feed sync producer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (optional; env vars override)")

	cmd.AddCommand(newRunCommand(&configPath))
	cmd.AddCommand(newOnceCommand(&configPath))
	return cmd
}

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the producer on its polling interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.close()

			log.Printf("producer polling every %s", cfg.PollInterval)
			scheduler := syncer.NewScheduler(cfg.PollInterval, log.Default(), app.flashSync)
			scheduler.Run(ctx)
			log.Printf("producer shutting down")
			return nil
		},
	}
}

func newOnceCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single sync tick and exit (for external schedulers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.close()
			return app.flashSync.RunTick(ctx)
		},
	}
}

// app holds the wired pipeline and the resources that need closing in
// reverse construction order.
type app struct {
	flashSync *syncer.Syncer
	queue     *publish.AMQPQueue
	led       *ledger.Ledger
	db        *store.Store
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	db, err := store.New(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	queue, err := publish.NewAMQPQueue(cfg.AMQPURL, cfg.QueueName)
	if err != nil {
		return nil, fmt.Errorf("delivery queue: %w", err)
	}
	publisher := publish.New(queue, publish.Options{
		BatchSize:      cfg.BatchSize,
		Concurrency:    cfg.PublishConcurrency,
		BatchPause:     cfg.BatchPause,
		PublishTimeout: cfg.PublishTimeout,
		Logger:         log.Default(),
	})

	led, err := ledger.New(cfg.LedgerPath)
	if err != nil {
		queue.Close()
		return nil, fmt.Errorf("retry ledger: %w", err)
	}

	allow, err := buildAllowlist(ctx, cfg)
	if err != nil {
		led.Close()
		queue.Close()
		return nil, err
	}

	client, err := upstream.NewClient(upstream.Options{
		FeedURL:            cfg.FeedURL,
		Timeout:            cfg.UpstreamTimeout,
		MaxAttemptsPerPath: cfg.MaxAttemptsPerPath,
		PrimaryProxies:     cfg.PrimaryProxies,
		FallbackProxies:    cfg.FallbackProxies,
		UserAgent:          cfg.UserAgent,
		Logger:             log.Default(),
	})
	if err != nil {
		led.Close()
		queue.Close()
		return nil, fmt.Errorf("upstream client: %w", err)
	}

	flashSync, err := syncer.New(client, db, publisher, led, allow, syncer.Options{
		PeakStartHour:          cfg.PeakStartHour,
		PeakEndHour:            cfg.PeakEndHour,
		UTCOffset:              cfg.UTCOffset,
		OffPeakSkipProbability: cfg.OffPeakSkipProbability,
		BackoffCap:             cfg.BackoffCap,
		BackoffCoefficient:     cfg.BackoffCoefficient,
		Logger:                 log.Default(),
	})
	if err != nil {
		led.Close()
		queue.Close()
		return nil, fmt.Errorf("syncer: %w", err)
	}

	return &app{flashSync: flashSync, queue: queue, led: led, db: db}, nil
}

func buildAllowlist(ctx context.Context, cfg config.Config) (*allowlist.List, error) {
	if cfg.AllowlistFile == "" {
		return allowlist.New(cfg.AllowedPlayers), nil
	}
	allow, err := allowlist.NewFromFile(cfg.AllowlistFile, cfg.AllowedPlayers, log.Default())
	if err != nil {
		return nil, fmt.Errorf("allow-list: %w", err)
	}
	go func() {
		if err := allow.Watch(ctx); err != nil {
			log.Printf("allow-list watch stopped: %v", err)
		}
	}()
	return allow, nil
}

func (a *app) close() {
	if a.led != nil {
		if err := a.led.Close(); err != nil {
			log.Printf("close ledger: %v", err)
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			log.Printf("close delivery queue: %v", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
}
