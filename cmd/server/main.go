package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/me/gohpc/internal/config"
	"github.com/me/gohpc/internal/lease"
	"github.com/me/gohpc/internal/logging"
	"github.com/me/gohpc/internal/server"
	"github.com/me/gohpc/internal/store"
	"github.com/me/gohpc/internal/transfer"
)

func main() {
	cfg := config.DefaultServerConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path (default ~/.gohpc/gohpc.db)")
	flag.StringVar(&cfg.SitesPath, "sites", cfg.SitesPath, "Path to per-site allow-list YAML")
	flag.DurationVar(&cfg.SessionTimeout, "session-timeout", cfg.SessionTimeout, "Heartbeat age after which a session expires")
	flag.DurationVar(&cfg.ReapInterval, "reap-interval", cfg.ReapInterval, "How often to sweep for expired sessions")
	transferCmd := flag.String("transfer-status-cmd", "", "Command reporting transfer task status (task id appended)")
	transferInterval := flag.Duration("transfer-interval", 10*time.Second, "How often to sweep transfer items and job readiness")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	// Resolve database path.
	dbPath := cfg.DBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".gohpc")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
		dbPath = filepath.Join(dir, "gohpc.db")
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", dbPath)

	// Load site allow-lists. With no sites file, batch job submission is
	// rejected but everything else works.
	sitePolicies := map[string]config.SitePolicy{}
	if cfg.SitesPath != "" {
		sitePolicies, err = config.LoadSitePolicies(cfg.SitesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load site policies: %v\n", err)
			os.Exit(1)
		}
		logger.Info("site policies loaded", "sites", len(sitePolicies))
	}

	srv := server.New(cfg, st, sitePolicies, logger)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the session reaper in background.
	reaper := lease.NewReaper(st, cfg.SessionTimeout, cfg.ReapInterval, logger)
	go reaper.Run(ctx)

	// Stage-in readiness sweep. With a status command configured, active
	// transfer items are polled through it as well.
	var engine transfer.Engine
	if *transferCmd != "" {
		engine = transfer.ExecEngine{Argv: strings.Fields(*transferCmd)}
	}
	go transfer.NewRunner(st, engine, *transferInterval, logger).Run(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
