package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/freightdesk/waypoint/internal/channels"
	"github.com/freightdesk/waypoint/internal/engine"
	"github.com/freightdesk/waypoint/internal/events"
	"github.com/freightdesk/waypoint/internal/logging"
	"github.com/freightdesk/waypoint/internal/scheduler"
	"github.com/freightdesk/waypoint/internal/store"
	"github.com/freightdesk/waypoint/internal/tat"
	"github.com/freightdesk/waypoint/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "waypoint:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	hub := events.NewMemoryHub()

	chanRegistry := channels.NewRegistry()
	for _, ch := range []schema.Channel{
		schema.ChannelEmail, schema.ChannelSMS, schema.ChannelWhatsApp, schema.ChannelVoice, schema.ChannelInApp,
	} {
		if err := chanRegistry.Register(channels.NewMemoryAdapter(ch)); err != nil {
			return fmt.Errorf("register channel %s: %w", ch, err)
		}
	}

	eng, err := engine.New(st, chanRegistry, hub, logger, engine.Options{
		MaxStepsFactor: cfg.MaxStepsFactor,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	dispatcher := tat.NewDispatcher(st, chanRegistry, eng, hub, logger)
	monitor := tat.NewMonitor(st, dispatcher, hub, logger, tat.MonitorOptions{
		ScanInterval: cfg.scanInterval(),
		Lookback:     cfg.lookback(),
	})
	sched := scheduler.New(st, eng, eng, logger, scheduler.Options{
		PollInterval: cfg.pollInterval(),
	})

	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	defer monitor.Stop()
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	logger.Info("waypoint running",
		slog.String("db_path", cfg.DBPath),
		slog.Duration("scan_interval", cfg.scanInterval()))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
