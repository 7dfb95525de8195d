package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/syntor/fleetcore/internal/fleet"
	"github.com/syntor/fleetcore/pkg/config"
	"github.com/syntor/fleetcore/pkg/kafka"
	"github.com/syntor/fleetcore/pkg/logging"
	"github.com/syntor/fleetcore/pkg/metrics"
	"github.com/syntor/fleetcore/pkg/snapshot"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fleet coordination service until SIGINT or SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runService(ctx, *fleetConfig)
	},
}

func runService(ctx context.Context, cfg config.FleetConfig) error {
	logCfg, err := cfg.Logging.LoggerConfig()
	if err != nil {
		return err
	}
	zl, err := logging.NewZapLogger(logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer zl.Sync()
	logger := zl.With(
		logging.String("service", cfg.System.ServiceName),
		logging.String("environment", cfg.System.Environment),
	)
	logger.Info("starting fleetd", logging.String("version", Version), logging.String("commit", GitCommit))

	opts := []fleet.Option{fleet.WithLogger(logger)}

	var metricsServer *http.Server
	if cfg.Monitoring.MetricsEnabled {
		collector := metrics.NewPrometheusCollector()
		if err := collector.RegisterFleetMetrics(); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(cfg.Monitoring.MetricsPath, collector.HTTPHandler())
		metricsServer = &http.Server{
			Addr:    ":" + strconv.Itoa(cfg.Monitoring.MetricsPort),
			Handler: mux,
		}
		opts = append(opts, fleet.WithMetrics(collector))
	}

	bus := kafka.NewClient(cfg.Kafka, logger.With(logging.String("component", "kafka")))
	if err := bus.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to kafka: %w", err)
	}
	defer bus.Close()
	if err := bus.EnsureTopics(ctx, kafka.FleetTopics()); err != nil {
		logger.Warn("could not ensure topics", logging.Err(err))
	}

	if cfg.Redis.Enabled {
		store, err := snapshot.NewRedisStore(ctx, cfg.Redis.RedisConfig)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer store.Close()
		opts = append(opts, fleet.WithSnapshotPublisher(
			snapshot.NewPublisher(store, cfg.Redis.TTL, logger.With(logging.String("component", "snapshot"))),
		))
	}

	rules, watcher, err := loadRules(cfg, logger)
	if err != nil {
		return err
	}
	if watcher != nil {
		opts = append(opts, fleet.WithRulesWatcher(watcher))
	}

	svc, err := fleet.New(cfg, bus, rules, opts...)
	if err != nil {
		return err
	}
	defer svc.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("serving metrics", logging.String("addr", metricsServer.Addr), logging.String("path", cfg.Monitoring.MetricsPath))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.System.ShutdownTimeout)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("fleetd stopped")
	return err
}

// loadRules returns the startup rule tables and, when watching is enabled
// for a rules file, the watcher that keeps them current
func loadRules(cfg config.FleetConfig, logger logging.Logger) (config.RuleSet, *config.RulesWatcher, error) {
	if cfg.RulesFile == "" || !cfg.WatchRules {
		rs, err := startupRules(cfg.RulesFile)
		return rs, nil, err
	}
	w, err := config.NewRulesWatcher(cfg.RulesFile, logger.With(logging.String("component", "rules")))
	if err != nil {
		return config.RuleSet{}, nil, err
	}
	return w.Current(), w, nil
}
