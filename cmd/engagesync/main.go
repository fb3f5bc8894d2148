package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/engagekit/engagesync/internal/codasync"
	"github.com/engagekit/engagesync/internal/config"
	"github.com/engagekit/engagesync/internal/contactsync"
	"github.com/engagekit/engagesync/internal/engagement"
	"github.com/engagekit/engagesync/internal/fetcher"
	"github.com/engagekit/engagesync/internal/labeling"
	"github.com/engagekit/engagesync/internal/logging"
	"github.com/engagekit/engagesync/internal/scheduler"
	"github.com/engagekit/engagesync/internal/synccache"
)

func main() {
	configPath := flag.String("config", "engagesync.yaml", "path to the pipeline configuration file")
	mode := flag.String("mode", "all", "which syncs to run: all, coda-sync or contact-sync")
	dryRun := flag.Bool("dry-run", false, "log what would change without writing anywhere")
	once := flag.Bool("once", false, "run a single sync pass and exit, ignoring the schedule")
	flag.Parse()

	// Missing .env is fine; environment wins over file values either way.
	_ = godotenv.Load()

	if err := run(*configPath, *mode, *dryRun, *once); err != nil {
		var violation *engagement.InvariantViolation
		if errors.As(err, &violation) {
			fmt.Fprintf(os.Stderr, "fatal data integrity error: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, mode string, dryRun, once bool) error {
	switch mode {
	case "all", "coda-sync", "contact-sync":
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	cache, err := synccache.New(cfg.Path(cfg.CacheDir))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := engagement.NewMetrics(registry)
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			log.Infof("metrics listening on %s", cfg.MetricsListen)
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				log.Errorf("metrics server failed: %v", err)
			}
		}()
	}

	job, err := buildJob(cfg, mode, dryRun, store, cache, metrics, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dryRun {
		log.Infof("dry run: no writes will be made")
	}
	if once || cfg.Schedule.Cron == "" {
		return job(ctx)
	}

	sched := &scheduler.Scheduler{Cron: cfg.Schedule.Cron, Log: log}
	if err := sched.Run(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildStore(cfg *config.Config) (engagement.MessageStore, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return engagement.NewPostgresStore(cfg.Store.PostgresDSN)
	default:
		return engagement.NewMemoryStoreWithOptions(engagement.MemoryStoreOptions{
			StateFile: cfg.Path(cfg.Store.StateFile),
		})
	}
}

// buildJob wires the configured syncs into one pass. The syncs run in a
// fixed order so contact fields always reflect the labels pushed in the
// same pass.
func buildJob(cfg *config.Config, mode string, dryRun bool, store engagement.MessageStore,
	cache *synccache.Cache, metrics *engagement.Metrics, log *zap.SugaredLogger) (scheduler.Job, error) {

	var jobs []scheduler.Job

	if mode == "all" || mode == "coda-sync" {
		syncConfig, err := cfg.BuildCodaSync()
		if err != nil {
			return nil, err
		}
		var platform labeling.PlatformClient = labeling.NewMemoryPlatform()
		if cfg.Labeling.BaseURL != "" {
			platform = labeling.NewHTTPPlatformClient(labeling.HTTPClientOptions{
				BaseURL: cfg.Labeling.BaseURL,
				Token:   cfg.Labeling.APIToken,
			})
		}
		toPlatform := &codasync.StoreToPlatform{
			Store:    store,
			Platform: platform,
			Config:   syncConfig,
			Cache:    cache,
			Log:      log,
			Metrics:  metrics,
			DryRun:   dryRun,
		}
		fromPlatform := &codasync.PlatformToStore{
			Store:    store,
			Platform: platform,
			Config:   syncConfig,
			Log:      log,
			Metrics:  metrics,
			DryRun:   dryRun,
		}
		jobs = append(jobs, func(ctx context.Context) error {
			if _, err := toPlatform.Sync(ctx); err != nil {
				return err
			}
			_, err := fromPlatform.Sync(ctx)
			return err
		})
	}

	if mode == "all" || mode == "contact-sync" {
		syncConfig, err := cfg.BuildContactSync()
		if err != nil {
			return nil, err
		}
		var messaging contactsync.MessagingClient = contactsync.NewMemoryMessaging()
		if cfg.Messaging.BaseURL != "" {
			messaging = contactsync.NewHTTPMessagingClient(contactsync.HTTPClientOptions{
				BaseURL: cfg.Messaging.BaseURL,
				Token:   cfg.Messaging.APIToken,
			})
		}
		syncer := &contactsync.Syncer{
			Fetcher:   &fetcher.Fetcher{Store: store, Cache: cache, Log: log, DryRun: dryRun},
			Messaging: messaging,
			Resolver:  contactsync.PassthroughResolver,
			Config:    syncConfig,
			Log:       log,
			Metrics:   metrics,
			DryRun:    dryRun,
		}
		jobs = append(jobs, func(ctx context.Context) error {
			_, err := syncer.Sync(ctx)
			return err
		})
	}

	return func(ctx context.Context) error {
		for _, job := range jobs {
			if err := job(ctx); err != nil {
				return err
			}
		}
		return nil
	}, nil
}
