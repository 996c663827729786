// Command plexus runs the message engine: it loads configuration, opens the
// store, deploys the configured channels, and runs until a signal arrives.
// The first SIGINT or SIGTERM drains channels gracefully; a second one halts
// in-flight work.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plexushub/plexus"
	"github.com/plexushub/plexus/internal/config"
	"github.com/plexushub/plexus/observer"
	"github.com/plexushub/plexus/script/exprlang"
	"github.com/plexushub/plexus/store/postgres"
	"github.com/plexushub/plexus/store/sqlite"
)

const stopTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load(os.Getenv("PLEXUS_CONFIG"))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Server.LogLevel)

	serverID := cfg.Server.ID
	if serverID == "" {
		serverID = uuid.NewString()
		logger.Info("generated server id", "server", serverID)
	}

	// 2. Open the store
	store, cleanup, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// 3. Observability
	var sink plexus.EventSink
	var instruments *observer.Instruments
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return err
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				logger.Error("metric shutdown failed", "err", err)
			}
		}()
		instruments = inst
		sink = inst
	}

	// 4. Engine + channels
	engine := plexus.NewEngine(store, serverID, plexus.WithEngineLogger(logger))
	if err := engine.Init(ctx); err != nil {
		return err
	}

	exec := exprlang.New()
	deployed := 0
	for _, chCfg := range cfg.Channels {
		ch, err := buildChannel(chCfg, cfg.Database, store, exec, serverID, sink, logger)
		if err != nil {
			logger.Error("channel build failed", "channel", chCfg.ID, "err", err)
			continue
		}
		if err := engine.Deploy(ctx, ch); err != nil {
			logger.Error("channel deploy failed", "channel", chCfg.ID, "err", err)
			continue
		}
		registerQueueGauges(instruments, ch)
		deployed++
		logger.Info("channel deployed", "channel", chCfg.ID, "name", chCfg.Name)
	}
	logger.Info("engine running", "server", serverID, "channels", deployed)

	// 5. Run until signal; second signal halts
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down, send the signal again to halt")

	done := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		done <- engine.StopAll(stopCtx)
	}()
	select {
	case err := <-done:
		return err
	case <-sigCh:
		logger.Warn("halting in-flight work")
		haltCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return engine.HaltAll(haltCtx)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStore builds the configured store backend. The returned cleanup closes
// the store and, for postgres, the pool it owns.
func openStore(ctx context.Context, db config.DatabaseConfig, logger *slog.Logger) (plexus.Store, func(), error) {
	switch strings.ToLower(db.Backend) {
	case "sqlite":
		s := sqlite.New(db.SQLitePath, sqlite.WithLogger(logger))
		return s, func() { _ = s.Close() }, nil
	case "", "postgres":
		mode, err := postgres.ParseMode(db.Mode)
		if err != nil {
			return nil, nil, err
		}
		poolCtx, cancel := context.WithTimeout(ctx, time.Duration(db.ConnectTimeoutSec)*time.Second)
		defer cancel()
		pool, err := pgxpool.New(poolCtx, db.PostgresDSN())
		if err != nil {
			return nil, nil, err
		}
		s := postgres.New(pool, postgres.WithLogger(logger), postgres.WithMode(mode))
		return s, func() { pool.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database backend %q", db.Backend)
	}
}

// registerQueueGauges exposes the channel's destination queue depths.
func registerQueueGauges(inst *observer.Instruments, ch *plexus.Channel) {
	if inst == nil {
		return
	}
	for _, d := range ch.Destinations() {
		if q := d.Queue(); q != nil {
			inst.RegisterQueue(ch.ID, d.MetaDataID, q.Size)
		}
	}
}
