package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/calcjob/internal/config"
	"github.com/me/calcjob/internal/controller"
	"github.com/me/calcjob/internal/logging"
	"github.com/me/calcjob/internal/metrics"
	"github.com/me/calcjob/internal/server"
	"github.com/me/calcjob/internal/store"
)

func main() {
	defaults := config.DefaultServerConfig()

	configFile := flag.String("config", "", "Path to YAML config file (engine settings, computers, parsers)")
	addr := flag.String("addr", defaults.Addr, "Listen address")
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", defaults.LogFormat, "Log format (text, json)")
	dbPath := flag.String("db", defaults.DBPath, "Database path (default ~/.calcjob/calcjob.db)")
	tickInterval := flag.Duration("tick-interval", 0, "Controller tick interval (overrides config)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	file, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Explicit flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			file.Server.Addr = *addr
		case "log-level":
			file.Server.LogLevel = *logLevel
		case "log-format":
			file.Server.LogFormat = *logFormat
		case "db":
			file.Server.DBPath = *dbPath
		case "tick-interval":
			file.Controller.TickInterval = *tickInterval
		}
	})
	if *debug {
		file.Server.LogLevel = "debug"
	}
	cfg := file.Server

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", filepath.Dir(cfg.DBPath), err)
			os.Exit(1)
		}
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	collab, err := file.Build(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure computers: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := collab.Transports.CloseAll(); err != nil {
			logger.Warn("close transports", "error", err)
		}
	}()

	m, metricsHandler, err := metrics.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init metrics: %v\n", err)
		os.Exit(1)
	}

	loop := controller.NewLoop(st, collab, file.Engine, file.Controller, m, logger)

	srv := server.New(cfg, st, loop, logger,
		server.WithLoop(loop),
		server.WithMetrics(m, metricsHandler),
		server.WithComputers(collab.Transports.Names()),
	)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start controller in background.
	srv.StartController(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "computers", collab.Transports.Names())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop controller before HTTP server.
	if err := loop.Stop(); err != nil {
		logger.Error("controller stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	if err := m.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown", "error", err)
	}
	logger.Info("server stopped")
}
