package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/internal/config"
	"github.com/ternhq/tern/internal/httpapi"
)

// runServe assembles the runtime and serves the HTTP/SSE API until a
// termination signal arrives.
func runServe(args []string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "explicit config file")
	listen := fs.String("listen", "", "listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return configExit(err, logger)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("runtime assembly", "error", err)
		return 1
	}

	apiOpts := []httpapi.Option{
		httpapi.WithSandbox(rt.manager),
		httpapi.WithRuntime(rt.agentRT),
		httpapi.WithDefaultQueueMode(tern.QueueMode(cfg.Agent.QueueMode)),
		httpapi.WithLogger(logger),
	}
	if rt.metrics != nil {
		apiOpts = append(apiOpts, httpapi.WithMetrics(rt.metrics))
	}
	api := httpapi.NewServer(rt.engine, apiOpts...)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving", "addr", cfg.Server.Listen,
			"store", cfg.Store.Driver, "sandbox", cfg.Sandbox.Type)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	rt.close(closeCtx)

	if err != nil {
		logger.Error("server", "error", err)
		return 1
	}
	logger.Info("stopped")
	return exitOK
}

// configExit maps a config load failure onto the CLI exit codes:
// unreadable files exit 11, invalid content exits 20.
func configExit(err error, logger *slog.Logger) int {
	logger.Error("config", "error", err)
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return exitReadError
	}
	fmt.Fprintf(os.Stderr, "tern: invalid configuration: %v\n", err)
	return exitConfigInvalid
}
