// Command collector runs the cluster state collector: it polls the storage
// fleet on a timer, maintains the live entity graph, and serves it over an
// HTTP RPC surface, following the teacher's cobra-driven CLI bootstrap.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mstate/collector/internal/api"
	"github.com/mstate/collector/internal/config"
	"github.com/mstate/collector/internal/externalstore"
	"github.com/mstate/collector/internal/fanout"
	"github.com/mstate/collector/internal/metadata"
	"github.com/mstate/collector/internal/round"
	"github.com/mstate/collector/internal/status"
	"github.com/mstate/collector/internal/storage"
	"github.com/mstate/collector/pkg/logger"
	"github.com/mstate/collector/pkg/metrics"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	cfgPath string
)

func main() {
	root := &cobra.Command{
		Use:   "collector",
		Short: "Cluster state collector for the storage fleet",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	root.AddCommand(serveCmd(), forceUpdateCmd(), versionCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("collector %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the collection round loop and RPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func forceUpdateCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "force-update",
		Short: "Trigger a FORCED_FULL round on a running collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(fmt.Sprintf("http://%s/force_update", addr), "application/json", nil)
			if err != nil {
				return fmt.Errorf("force update request: %w", err)
			}
			defer resp.Body.Close()
			fmt.Printf("collector responded with status %s\n", resp.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "collector RPC address")
	return cmd
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	log.Info("starting collector", "app", cfg.AppName, "version", version)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if sqlDB, err := sql.Open("pgx", cfg.PostgresDSN); err == nil {
		if err := externalstore.Migrate(sqlDB); err != nil {
			log.Warn("migrations failed", "error", err)
		}
		_ = sqlDB.Close()
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		DialTimeout: time.Duration(cfg.Metadata.Options.ConnectTimeoutMS) * time.Millisecond,
	})
	defer redisClient.Close()

	reg := prometheus.DefaultRegisterer
	collectorMetrics := metrics.New(reg)
	storeMetrics := externalstore.NewMetrics(reg)

	policy := status.Policy{
		ReservedSpace:                     cfg.Elliptics.ReservedSpace,
		ForbiddenDHTGroups:                cfg.Elliptics.ForbiddenDHTGroups,
		ForbiddenUnmatchedGroupTotalSpace: cfg.Elliptics.ForbiddenUnmatchedGroupTotalSpace,
		ForbiddenNSWithoutSettings:        cfg.Elliptics.ForbiddenNSWithoutSettings,
		ForbiddenDCSharingAmongGroups:     cfg.Elliptics.ForbiddenDCSharingAmongGroups,
	}
	live := storage.New(policy)

	extStore := externalstore.NewStore(pool, log, storeMetrics)
	metaReader := metadata.NewReader(redisClient, "metakey:", 2*time.Second)

	var inventory *externalstore.Inventory
	if cfg.Infrastructure.InventoryWorkerURL != "" {
		resolver := externalstore.NewHTTPResolver(cfg.Infrastructure.InventoryWorkerURL, cfg.Infrastructure.InventoryWorkerTimeout)
		inv, err := externalstore.NewInventory(pool, resolver, cfg.Infrastructure.CacheSize, cfg.Infrastructure.DCCacheValidTime, log)
		if err != nil {
			return fmt.Errorf("build inventory cache: %w", err)
		}
		if err := inv.LoadAll(ctx); err != nil {
			log.Warn("inventory initial load failed", "error", err)
		}
		go inv.Run(ctx)
		go rescanLoop(ctx, inv, cfg.Infrastructure.DCCacheUpdatePeriod)
		inventory = inv
	}

	orch := round.New(round.Config{
		Live: live,
		Nodes: func() []round.Target {
			return nodeTargets(cfg)
		},
		Client:     &http.Client{Timeout: cfg.Elliptics.WaitTimeout},
		FanoutCfg:  fanout.Config{MaxConcurrent: 8, RequestsPerSecond: 50, RequestTimeout: cfg.Elliptics.WaitTimeout},
		MetaReader: metaReader,
		ExtStore:   extStore,
		Inventory:  inventory,
		Interval:   cfg.Round.Interval,
		Logger:     log,
		Metrics:    collectorMetrics,
	})

	go orch.Run(ctx)

	handlers := api.NewHandlers(live, orch, nil, log)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handlers, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("http server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func rescanLoop(ctx context.Context, inv *externalstore.Inventory, period time.Duration) {
	if period <= 0 {
		period = 10 * time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inv.RescanStale()
		}
	}
}

func nodeTargets(cfg *config.Config) []round.Target {
	targets := make([]round.Target, 0, len(cfg.Elliptics.Nodes))
	for _, n := range cfg.Elliptics.Nodes {
		url := fmt.Sprintf("http://%s:%d/?categories=7", n.Host, cfg.Elliptics.MonitorPort)
		targets = append(targets, round.Target{Host: n.Host, Port: n.Port, Family: n.Family, URL: url})
	}
	return targets
}
