package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"pulse/internal/config"
	"pulse/internal/emotion"
	"pulse/internal/events"
	"pulse/internal/hybrid"
	"pulse/internal/localstore"
	"pulse/internal/mqtt"
	"pulse/internal/readings"
	"pulse/internal/remote"
	"pulse/internal/stream"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadAgentConfig()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}

func run(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) error {
	local, err := localstore.Open(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer local.Close()

	var remoteStore hybrid.RemoteStore
	if cfg.RemoteBaseURL != "" {
		remoteStore = remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteToken, cfg.RemoteTimeout)
	}

	bus := events.NewBus(logger)
	persist := hybrid.New(local, remoteStore, hybrid.Options{Logger: logger, Events: bus})
	if err := persist.Init(ctx); err != nil {
		return fmt.Errorf("init persistence: %w", err)
	}
	if cfg.StorageMode != "" {
		mode, err := hybrid.ParseMode(cfg.StorageMode)
		if err != nil {
			return err
		}
		if mode != persist.Mode() {
			if err := persist.SetMode(ctx, mode); err != nil {
				logger.Warn("switch storage mode failed, keeping current mode", "requested", mode, "mode", persist.Mode(), "error", err)
			}
		}
	}
	logger.Info("persistence ready", "mode", persist.Mode(), "online", persist.Online(), "data_path", cfg.DataPath)

	registry := readings.NewRegistry(cfg.Analysis.ReadingTTL())
	if cfg.MQTT.Enabled() {
		hub := mqtt.NewHub(mqtt.HubConfig{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			AudioWindow: cfg.Analysis.AudioWindow,
			Audio:       cfg.Analysis.Audio,
		}, registry, logger)
		hub.Bind(bus)
		if err := hub.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt hub: %w", err)
		}
	} else {
		logger.Warn("MQTT_BROKER_URL not set, no terminal readings will arrive")
	}

	analyzer := stream.NewAnalyzer(registry, emotion.NewAggregator(cfg.Analysis.Weights), bus, persist, stream.Config{
		Interval:  cfg.Analysis.Interval(),
		Window:    cfg.Analysis.SmoothingWindow,
		Decay:     cfg.Analysis.SmoothingDecay,
		SaveEvery: cfg.Analysis.SaveEvery,
	}, logger)
	analyzer.Start(ctx)
	defer analyzer.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if remoteStore != nil {
		scheduler, err := newFlushScheduler(cfg.FlushSchedule, persist, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			persist.RunConnectivityMonitor(gctx, cfg.MonitorInterval)
			return nil
		})
		g.Go(func() error {
			scheduler.Start()
			<-gctx.Done()
			<-scheduler.Stop().Done()
			return nil
		})
	}
	g.Go(func() error {
		for state := range bus.SyncStateStream(gctx, 16) {
			logger.Info("sync state", "mode", state.Mode, "online", state.Online, "degraded", state.Degraded, "queue_size", state.QueueSize, "last_error", state.LastError)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type queueFlusher interface {
	Mode() hybrid.Mode
	Online() bool
	FlushQueue(ctx context.Context) (hybrid.FlushReport, error)
}

// newFlushScheduler retries the offline queue on spec. Runs are skipped
// while offline; the connectivity monitor flushes on reconnect.
func newFlushScheduler(spec string, persist queueFlusher, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		if persist.Mode() != hybrid.ModeRemote || !persist.Online() {
			return
		}
		report, err := persist.FlushQueue(context.Background())
		if err != nil {
			logger.Warn("scheduled flush failed", "remaining", report.Remaining, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid PULSE_FLUSH_SCHEDULE %q: %w", spec, err)
	}
	return c, nil
}
