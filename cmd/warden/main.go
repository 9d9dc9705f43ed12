package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meshgov/warden/internal/alerting"
	"github.com/meshgov/warden/internal/clock"
	"github.com/meshgov/warden/internal/config"
	"github.com/meshgov/warden/internal/dispatch"
	"github.com/meshgov/warden/internal/ids"
	"github.com/meshgov/warden/internal/logging"
	"github.com/meshgov/warden/internal/oncall"
	"github.com/meshgov/warden/internal/remediation"
	"github.com/meshgov/warden/internal/store"
	"github.com/meshgov/warden/internal/suppress"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "warden",
	Short:   "Warden - alerting, escalation, and automated remediation engine",
	Long:    `Warden watches a constitutional-governance service mesh: it admits alert events, escalates them along on-call policies, and drives approved automated remediations.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Warden %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "warden"})
	log.Info().Str("version", Version).Msg("Starting Warden")

	clk := clock.NewReal()
	minter := ids.NewGenerator()

	st, err := store.OpenSQLite(filepath.Join(cfg.DataPath, "warden.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	catalogs, err := config.NewCatalogWatcher(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("Failed to load catalog")
	}

	sup := suppress.NewIndex(cfg.CooldownBySeverity)
	sup.ReplaceWindows(catalogs.Current().Windows)

	if err := seedSchedules(st, catalogs.Current()); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed on-call schedules")
	}

	resolver := oncall.NewResolver(st, clk, cfg.DefaultContactID)

	renderer := dispatch.NewRenderer()
	for id, text := range catalogs.Current().Templates {
		if err := renderer.Register(id, text); err != nil {
			log.Fatal().Err(err).Str("templateID", id).Msg("Invalid notification template")
		}
	}

	registry := dispatch.NewRegistry()
	registry.Register(dispatch.NewWebhookChannel())
	if cfg.SMTPHost != "" {
		registry.Register(dispatch.NewEmailChannel(dispatch.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}))
	}

	var engine *alerting.Engine

	dispatcher := dispatch.New(dispatch.Config{
		Workers:                cfg.DispatcherWorkers,
		ConstitutionalFraction: cfg.ConstitutionalChannelPartitionFraction,
		DefaultMaxAttempts:     cfg.NotificationMaxAttempts,
	}, clk, st, registry, renderer, func(res dispatch.Result) {
		engine.NotificationResult(res)
	})

	executor := remediation.NewExecutor(remediation.Config{
		Workers:    cfg.ExecutorWorkers,
		Killswitch: cfg.RemediationKillswitch,
	}, clk, st, nil, func(res remediation.Result) {
		engine.RemediationResult(res)
	})

	engine = alerting.New(alerting.Config{
		Shards:                  cfg.EngineShards,
		QueueCapacity:           cfg.IngressQueueCapacity,
		MaxEscalationLevel:      cfg.MaxEscalationLevel,
		DefaultPolicyID:         cfg.DefaultPolicyID,
		ConstitutionalPolicyID:  cfg.ConstitutionalPolicyID,
		CorrelationLabelKeys:    cfg.CorrelationLabelKeys,
		NotificationMaxAttempts: cfg.NotificationMaxAttempts,
		NotificationDeadline:    cfg.NotificationDeadline,
		StoreFailureThreshold:   cfg.StoreFailureThreshold,
		AlertRetention:          time.Duration(cfg.AlertRetentionDays) * 24 * time.Hour,
		ConstitutionalRetention: time.Duration(cfg.ConstitutionalRetentionDays) * 24 * time.Hour,
	}, clk, minter, st, sup, resolver, dispatcher, executor, catalogs.Current)

	catalogs.SetReloadCallback(func(cat *config.Catalog) {
		sup.ReplaceWindows(cat.Windows)
		for id, text := range cat.Templates {
			if err := renderer.Register(id, text); err != nil {
				log.Warn().Err(err).Str("templateID", id).Msg("Skipping invalid template on reload")
			}
		}
		if err := seedSchedules(st, cat); err != nil {
			log.Warn().Err(err).Msg("Failed to reseed on-call schedules")
		}
	})
	if err := catalogs.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start catalog watcher")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	executor.Start(ctx)
	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	g, gctx := errgroup.WithContext(ctx)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsHandler()}
	g.Go(func() error {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	engine.Stop()
	dispatcher.Stop()
	executor.Stop()
	catalogs.Stop()

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Shutdown finished with error")
	}
	log.Info().Msg("Warden stopped")
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// seedSchedules mirrors the catalog's on-call schedules into the store so
// the resolver sees them alongside any administratively created ones.
func seedSchedules(st store.Store, cat *config.Catalog) error {
	for _, sched := range cat.Schedules {
		err := st.PutNew(context.Background(), sched)
		if err == nil || errors.Is(err, store.ErrAlreadyExists) {
			continue
		}
		return err
	}
	return nil
}

