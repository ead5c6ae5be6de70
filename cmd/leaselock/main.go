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

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/eugenetaranov/leaselock/internal/config"
	"github.com/eugenetaranov/leaselock/internal/scheduler"
	"github.com/eugenetaranov/leaselock/pkg/dlock"
	"github.com/eugenetaranov/leaselock/pkg/dlock/store"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "leaselock.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "log lock activity at debug level")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("leaselock %s\n", version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Generate node ID if not specified
	nodeID := cfg.Node.ID
	if nodeID == "" {
		hostname, _ := os.Hostname()
		nodeID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
		logger.Info("generated node ID", "node_id", nodeID)
	}
	logger = logger.With("node_id", nodeID)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err, "address", cfg.Redis.Address)
		cancel()
		os.Exit(1)
	}
	cancel()
	logger.Info("connected to Redis", "address", cfg.Redis.Address)

	st := store.NewRedis(redisClient, cfg.Redis.KeyPrefix)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []dlock.Option{
		dlock.WithOwnerID(nodeID),
		dlock.WithPollInterval(cfg.Lock.PollInterval),
		dlock.WithLogger(logger),
		dlock.WithMetrics(dlock.NewMetrics(registry)),
	}
	if cfg.Lock.Notify {
		opts = append(opts, dlock.WithNotify())
	}

	var pool *dlock.WorkerPool
	if cfg.Lock.Strategy == config.StrategyPool {
		pool, err = dlock.NewWorkerPool(cfg.Lock.PoolWorkers, cfg.Lock.PoolCapacity)
		if err != nil {
			logger.Error("failed to create watchdog pool", "error", err)
			os.Exit(1)
		}
		opts = append(opts, dlock.WithWorkerPool(pool))
		logger.Info("using shared watchdog pool",
			"workers", cfg.Lock.PoolWorkers,
			"capacity", cfg.Lock.PoolCapacity,
		)
	}

	sched := scheduler.New(scheduler.Locks{Store: st, Options: opts}, cfg.Node, logger)

	for _, jobCfg := range cfg.Jobs {
		if err := sched.AddJob(jobCfg); err != nil {
			logger.Error("failed to add job", "job", jobCfg.Name, "error", err)
			os.Exit(1)
		}
	}

	metricsServer := startMetrics(cfg.Metrics.Address, registry, logger)

	sched.Start()

	notifySystemd(logger)
	stopWatchdog := startWatchdog(logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig)

	if stopWatchdog != nil {
		stopWatchdog()
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	sched.Stop()

	if pool != nil {
		pool.Close()
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to stop metrics server", "error", err)
		}
		cancel()
	}
	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}

	logger.Info("shutdown complete")
}

// startMetrics serves the registry on addr. It returns nil if addr is empty.
func startMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err, "address", addr)
		}
	}()
	logger.Info("serving metrics", "address", addr)
	return srv
}

// notifySystemd sends the ready notification to systemd if running under systemd.
func notifySystemd(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd", "error", err)
	} else if sent {
		logger.Debug("notified systemd ready")
	}
}

// startWatchdog pings the systemd watchdog at half its interval.
// It returns a stop function, or nil when the watchdog is not enabled.
func startWatchdog(logger *slog.Logger) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return nil
	}

	logger.Info("starting systemd watchdog", "interval", interval)

	ticker := time.NewTicker(interval / 2)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()

	return func() {
		close(done)
	}
}
