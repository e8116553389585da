package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/config"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/server"
)

// shutdownTimeout bounds draining connections and queued script work.
const shutdownTimeout = 15 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen   string
	Scripts  string
	Database string
	Workers  int

	// IDs overrides request and connection IDs (for testing).
	// If nil, the server mints UUIDv7s.
	IDs engine.IDGenerator

	// Started is called with the bound address once the server accepts
	// requests (for testing).
	Started func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve documents and connections",
		Long: `Serve the script library over HTTP and WebSocket.

Every document is served at /<name>, its client source at /_client/<name>
and its connections at /_ws/<name>. Flags override the config file.
With a database configured every scheduler event is journaled and can be
inspected with "jibbr trace".

Examples:
  jibbr serve
  jibbr serve --scripts ./site --listen :8080
  jibbr serve --db ./jibbr.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Scripts, "scripts", "", "script library root (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "journal database (overrides config)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "concurrent script workers (overrides config)")

	return cmd
}

// apply overlays the flags that were set on cfg.
func (o *ServeOptions) apply(cfg *config.Config) {
	if o.Listen != "" {
		cfg.Listen = o.Listen
	}
	if o.Scripts != "" {
		cfg.Scripts = o.Scripts
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if o.Workers > 0 {
		cfg.Workers = o.Workers
	}
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.apply(&cfg)

	logger := opts.newLogger(cmd.ErrOrStderr(), cfg)
	slog.SetDefault(logger)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	rt, err := newRuntime(ctx, cfg, logger, "serve")
	if err != nil {
		return err
	}

	srvOpts := []server.Option{
		server.WithLogger(logger),
		server.WithRequestTimeout(cfg.RequestTimeout),
	}
	if opts.IDs != nil {
		srvOpts = append(srvOpts, server.WithIDGenerator(opts.IDs))
	}
	srv := server.New(rt.sched, rt.lib, rt.hub, srvOpts...)

	if err := srv.Start(ctx, cfg.Listen); err != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		_ = rt.close(closeCtx)
		return WrapExitError(ExitCommandError, "failed to start server", err)
	}

	addr := srv.Addr()
	logger.Info("serving", "addr", addr, "scripts", cfg.Scripts, "run_id", rt.runID)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", cfg.Scripts, addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Started != nil {
		opts.Started(addr)
	}

	<-ctx.Done()

	// The serve context is gone; shutdown gets its own deadline.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
		shutdownErr = err
	}
	if err := rt.close(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown", "error", err)
		if shutdownErr == nil {
			shutdownErr = err
		}
	}
	if shutdownErr != nil {
		return WrapExitError(ExitFailure, "shutdown did not complete", shutdownErr)
	}

	logger.Info("stopped gracefully")
	return nil
}
