// Command sandboxd hosts tern sandbox instances behind the JSON
// protocol the http sandbox provider speaks.
//
// Instances are host-process workspaces on this machine; a tern server
// pointed at sandboxd with sandbox type "http" gets remote execution
// without a container engine. Instance state is in-memory: restarting
// sandboxd forgets every instance, and the client recreates them on the
// next touch. Idle instances are evicted after a TTL.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ternhq/tern/sandbox/localbox"
)

type config struct {
	addr            string
	root            string
	ttl             time.Duration
	cleanupInterval time.Duration
	maxTimeout      time.Duration
	maxOutputBytes  int
	maxConcurrent   int
}

func loadConfig() config {
	cfg := config{
		addr:            ":8421",
		root:            "/var/lib/sandboxd",
		ttl:             2 * time.Hour,
		cleanupInterval: 5 * time.Minute,
		maxTimeout:      5 * time.Minute,
		maxOutputBytes:  localbox.DefaultMaxOutput,
		maxConcurrent:   8,
	}
	if v := os.Getenv("SANDBOXD_ADDR"); v != "" {
		cfg.addr = v
	}
	if v := os.Getenv("SANDBOXD_ROOT"); v != "" {
		cfg.root = v
	}
	if v := os.Getenv("SANDBOXD_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ttl = d
		}
	}
	if v := os.Getenv("SANDBOXD_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.cleanupInterval = d
		}
	}
	if v := os.Getenv("SANDBOXD_MAX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.maxTimeout = d
		}
	}
	if v := os.Getenv("SANDBOXD_MAX_OUTPUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxOutputBytes = n
		}
	}
	if v := os.Getenv("SANDBOXD_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxConcurrent = n
		}
	}
	return cfg
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := loadConfig()

	if err := os.MkdirAll(cfg.root, 0o750); err != nil {
		logger.Error("create workspace root", "root", cfg.root, "error", err)
		os.Exit(1)
	}

	box := localbox.New(cfg.root,
		localbox.WithLogger(logger),
		localbox.WithMaxOutput(cfg.maxOutputBytes),
	)
	srv := newServer(box, logger, cfg.ttl, cfg.maxTimeout, cfg.maxConcurrent)
	srv.start(cfg.cleanupInterval)

	httpSrv := &http.Server{
		Addr:         cfg.addr,
		Handler:      srv.routes(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("sandboxd listening", "addr", cfg.addr, "root", cfg.root)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}

	srv.close()
	logger.Info("stopped")
}
