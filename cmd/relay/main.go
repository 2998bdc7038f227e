package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/room-relay/internal/config"
	"github.com/rickgao/room-relay/internal/connection"
	"github.com/rickgao/room-relay/internal/database"
	"github.com/rickgao/room-relay/internal/handler"
	"github.com/rickgao/room-relay/internal/heartbeat"
	"github.com/rickgao/room-relay/internal/journal"
	"github.com/rickgao/room-relay/internal/room"
	"github.com/rickgao/room-relay/internal/router"
	"github.com/rickgao/room-relay/internal/transport"
	"github.com/rickgao/room-relay/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// A missing .env is fine; the environment may already be set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "config", *configPath, "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"config", *configPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func run(ctx context.Context, cfg *config.RelayConfig, logger *slog.Logger) error {
	var (
		pool     *pgxpool.Pool
		writer   *journal.Writer
		recorder journal.Recorder = journal.Nop{}
	)

	if cfg.Database.Enabled() {
		var err error
		pool, err = database.Connect(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := journal.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		writer = journal.NewWriter(journal.WriterConfig{
			InstanceID:    cfg.Instance.ID,
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger.With("component", "journal"))
		recorder = writer
	} else {
		logger.Info("database disabled, presence journal off")
	}

	conns := connection.NewRegistry(logger.With("component", "connections"))
	rooms := room.NewRegistry(recorder, logger.With("component", "rooms"))
	rtr := router.NewRouter(conns, rooms, handler.Defaults(), recorder, logger.With("component", "router"))
	monitor := heartbeat.NewMonitor(heartbeat.Config{Interval: cfg.Heartbeat.Interval}, conns, rooms, recorder, logger.With("component", "heartbeat"))

	probes := transport.Probes{
		Stats: func() any {
			stats := map[string]any{
				"connections": conns.Stats(),
				"rooms":       rooms.Stats(),
				"router":      rtr.Stats(),
				"heartbeat":   monitor.Stats(),
			}
			if writer != nil {
				stats["journal"] = writer.Stats()
			}
			return stats
		},
	}
	if pool != nil {
		probes.Health = pool.Ping
	}

	server := transport.NewServer(transport.Config{
		Addr:           cfg.Server.Addr,
		Path:           cfg.Server.Path,
		ReadLimit:      cfg.Server.ReadLimit,
		WriteTimeout:   cfg.Server.WriteTimeout,
		SendBuffer:     cfg.Server.SendBuffer,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, rtr, probes, logger.With("component", "transport"))

	g, gctx := errgroup.WithContext(ctx)

	if writer != nil {
		if err := writer.Start(gctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return stopWithTimeout(writer.Stop)
		})
	}

	if err := monitor.Start(gctx); err != nil {
		return fmt.Errorf("start heartbeat: %w", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		return stopWithTimeout(monitor.Stop)
	})

	g.Go(func() error {
		return server.Run(gctx)
	})

	logger.Info("relay running",
		"addr", cfg.Server.Addr,
		"path", cfg.Server.Path,
		"heartbeat_interval", cfg.Heartbeat.Interval,
		"journal", writer != nil,
	)

	return g.Wait()
}

func stopWithTimeout(stop func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return stop(ctx)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
