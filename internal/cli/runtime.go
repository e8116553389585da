package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/config"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/netcall"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/resource"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/server"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/store"
)

// runtime is the script library, scheduler and optional journal a command
// runs scripts on.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger
	lib    *resource.Library
	hub    *server.Hub
	sched  *engine.Scheduler
	store  *store.Store // nil when the journal is disabled
	runID  string
}

// newRuntime wires the scheduler from cfg. label names the journal run.
func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, label string) (*runtime, error) {
	info, err := os.Stat(cfg.Scripts)
	if err != nil || !info.IsDir() {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("scripts directory not found: %s", cfg.Scripts))
	}

	rt := &runtime{
		cfg:    cfg,
		logger: logger,
		lib:    resource.NewLibrary(os.DirFS(cfg.Scripts), resource.WithLogger(logger)),
		hub:    server.NewHub(),
		runID:  engine.UUIDv7Generator{}.Generate(),
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithNetwork(netcall.New(
			netcall.WithTimeout(cfg.OutboundTimeout),
			netcall.WithLogger(logger),
		)),
		engine.WithConnectionLayer(rt.hub),
		engine.WithWorkers(cfg.Workers),
		engine.WithReadyFunction(cfg.ReadyFunction),
		engine.WithPoolOptions(engine.WithQueueWarnAfter(cfg.QueueWarnAfter)),
	}

	if cfg.Database != "" {
		logger.Debug("opening journal", "path", cfg.Database)
		st, err := store.Open(cfg.Database)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		if err := st.BeginRun(ctx, rt.runID, label, time.Now().UTC()); err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to begin journal run", err)
		}
		rt.store = st
		opts = append(opts, engine.WithJournal(st, rt.runID))
	}

	rt.sched = engine.NewScheduler(rt.lib, opts...)
	logger.Debug("scheduler ready", "scripts", cfg.Scripts, "workers", cfg.Workers, "run_id", rt.runID)
	return rt, nil
}

// close stops the scheduler, then the journal it writes to.
func (rt *runtime) close(ctx context.Context) error {
	err := rt.sched.Close(ctx)
	if rt.store != nil {
		if closeErr := rt.store.Close(); closeErr != nil {
			rt.logger.Error("error closing database", "error", closeErr)
			err = errors.Join(err, closeErr)
		}
	}
	return err
}
