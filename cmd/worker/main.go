package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/me/gohpc/internal/app"
	"github.com/me/gohpc/internal/config"
	"github.com/me/gohpc/internal/logging"
	"github.com/me/gohpc/internal/schedbackend"
	"github.com/me/gohpc/internal/site"
	"github.com/me/gohpc/pkg/model"
)

func main() {
	configPath := flag.String("config", "settings.yml", "Path to the site settings file")
	batchJobID := flag.String("batch-job", "", "Batch job id this worker runs inside, if any")
	apps := flag.String("apps", "", "Comma-separated app ids to serve with the default handler table")
	batchSync := flag.Bool("batch-sync", false, "Also drive the site's scheduler from server batch job records")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(*logLevel), *logFormat)

	cfg, err := config.LoadSiteConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load site config: %v\n", err)
		os.Exit(1)
	}

	// Deployments embedding custom transition handlers register them here;
	// apps named on the command line get the passthrough table.
	registry := app.NewRegistry()
	for _, appID := range strings.Split(*apps, ",") {
		if appID = strings.TrimSpace(appID); appID != "" {
			registry.Register(appID, app.DefaultTable())
		}
	}
	if len(registry.Apps()) == 0 {
		fmt.Fprintln(os.Stderr, "no apps registered; pass --apps")
		os.Exit(1)
	}

	client := site.NewClient(cfg.ServerURL, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := client.CreateSession(ctx, cfg.SiteID, *batchJobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create session: %v\n", err)
		os.Exit(1)
	}
	logger.Info("session created", "session_id", sess.ID, "site_id", cfg.SiteID)

	go client.RunHeartbeat(ctx, sess.ID, cfg.Processing.HeartbeatInterval)

	// One worker per site runs with --batch-sync and owns scheduler
	// submission; the rest only lease and process.
	if *batchSync {
		backend, err := schedbackend.New(cfg.Scheduler, schedbackend.ExecRunner{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "scheduler backend: %v\n", err)
			os.Exit(1)
		}
		go site.NewBatchSync(client, backend, cfg.SiteID, cfg.DataPath, logger).Run(ctx)
	}

	spec := model.AcquireSpec{
		FilterTags: cfg.Processing.FilterTags,
		AppIDs:     registry.Apps(),
	}
	source := site.NewJobSource(client, sess.ID, cfg.Processing.PrefetchDepth, spec, logger)
	source.Start(ctx)

	updater := site.NewBulkStatusUpdater(client,
		cfg.Processing.UpdateInterval, cfg.Processing.UpdateBatchSize, logger)
	updater.Start(ctx)

	svc := site.NewProcessingService(source, registry, updater,
		cfg.DataPath, cfg.Processing.NumWorkers, logger)

	logger.Info("processing started",
		"server", cfg.ServerURL,
		"workers", cfg.Processing.NumWorkers,
		"prefetch", cfg.Processing.PrefetchDepth,
		"apps", registry.Apps(),
	)

	// Blocks until the signal context cancels; workers finish their
	// in-flight jobs and the updater drains before this returns.
	svc.Run(ctx)
	source.Stop()

	// Clean exit: end the session so leased jobs return to the pool now
	// instead of waiting out the heartbeat timeout.
	endCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.DeleteSession(endCtx, sess.ID); err != nil {
		logger.Warn("session not released", "session_id", sess.ID, "error", err)
	}

	logger.Info("worker stopped")
}
