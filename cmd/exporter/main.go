// Package main is the entrypoint for the service/task metrics exporter.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/kanzifucius/svc-tracker/pkg/builder"
	"github.com/kanzifucius/svc-tracker/pkg/config"
	"github.com/kanzifucius/svc-tracker/pkg/docker"
	"github.com/kanzifucius/svc-tracker/pkg/ecs"
	"github.com/kanzifucius/svc-tracker/pkg/health"
	"github.com/kanzifucius/svc-tracker/pkg/kube"
	"github.com/kanzifucius/svc-tracker/pkg/metrics"
	"github.com/kanzifucius/svc-tracker/pkg/orchestrator"
	"github.com/kanzifucius/svc-tracker/pkg/scheduler"
	"github.com/kanzifucius/svc-tracker/pkg/server"
	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("svc-tracker starting",
		"version", version,
		"commit", commit,
		"date", date,
	)

	if err := run(level); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(level *slog.LevelVar) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	level.Set(cfg.LogLevel)

	slog.Info("configuration loaded",
		"orchestrator", cfg.Orchestrator,
		"poll_interval_seconds", cfg.PollIntervalSeconds,
		"cycle_deadline", cfg.CycleDeadline,
		"cluster_deadline", cfg.ClusterDeadline,
		"workers", cfg.Workers,
		"rate_limit_per_second", cfg.RateLimitPerSecond,
		"rate_limit_burst", cfg.RateLimitBurst,
		"max_attempts", cfg.MaxAttempts,
		"staleness_threshold", cfg.StalenessThreshold,
		"metrics_addr", cfg.MetricsAddr,
		"management_addr", cfg.ManagementAddr,
		"docker_enabled", cfg.DockerEnabled,
		"store_backend", cfg.StoreBackend,
	)

	// Set up context with signal-based cancellation.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// One bucket for every control plane request. The adapters take a token
	// per request, so the builder skips its own per-operation wait.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), max(cfg.RateLimitBurst, 1))

	api, err := newOrchestrator(ctx, cfg, limiter)
	if err != nil {
		return err
	}

	opts := builder.Options{
		DescribeBatchSize: cfg.DescribeBatchSize,
		TaskBatchSize:     cfg.TaskBatchSize,
		Workers:           cfg.Workers,
		Limiter:           limiter,
		MaxAttempts:       cfg.MaxAttempts,
		InitialBackoff:    cfg.RetryInitialBackoff,
		MaxBackoff:        cfg.RetryMaxBackoff,
		ClusterDeadline:   cfg.ClusterDeadline,
	}
	if cfg.DockerEnabled {
		cli, err := docker.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create Docker client: %w", err)
		}
		defer func() { _ = cli.Close() }()

		opts.Usage = docker.NewUsageSource(cli)
		if cfg.ContainerMetricsLabel != "" {
			opts.Relay = docker.NewRelay(cli, cfg.ContainerMetricsLabel)
		}
	}

	st := store.New()

	archive, err := newArchive(ctx, cfg)
	if err != nil {
		return err
	}
	if archive != nil {
		restoreSnapshot(ctx, st, archive)
	}

	self := prometheus.NewRegistry()
	metrics.RegisterSelfMetrics(self)
	self.MustRegister(
		metrics.NewSnapshotAge(st.Current, clock.RealClock{}.Now),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reporter := health.NewReporter(st, cfg.StalenessThreshold, nil)

	scrape := server.New("scrape", cfg.MetricsAddr)
	scrape.MountScrape(st, self)
	servers := []*server.Server{scrape}

	mgmt := scrape
	if cfg.ManagementAddr != "" {
		mgmt = server.New("management", cfg.ManagementAddr)
		servers = append(servers, mgmt)
	}
	mgmt.MountManagement(st, reporter)

	sched := scheduler.New(builder.New(api, opts), st, scheduler.Options{
		Interval:      cfg.PollInterval(),
		CycleDeadline: cfg.CycleDeadline,
		Archive:       archive,
		OnPublish:     func(*store.Snapshot) { mgmt.SetReady() },
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error { return sched.Run(gctx) })

	slog.Info("exporter running", "metrics_addr", cfg.MetricsAddr, "management_addr", cfg.ManagementAddr)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("exporter stopped: %w", err)
	}
	slog.Info("shutdown complete")
	return nil
}

// newOrchestrator builds the control plane adapter selected by ORCHESTRATOR.
func newOrchestrator(ctx context.Context, cfg *config.Config, limiter orchestrator.Limiter) (orchestrator.API, error) {
	switch cfg.Orchestrator {
	case config.OrchestratorKubernetes:
		clientsets, err := kube.NewClientsets(cfg.KubeContexts, cfg.KubeClusterName)
		if err != nil {
			return nil, fmt.Errorf("create Kubernetes clients: %w", err)
		}
		slog.Info("using Kubernetes control plane", "clusters", len(clientsets), "namespaces", cfg.Namespaces)
		return kube.New(clientsets, cfg.Namespaces, kube.WithLimiter(limiter)), nil
	default:
		client, err := ecs.NewAWSClient(ctx, cfg.AWSRegion, cfg.ECSEndpoint, cfg.MaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("create ECS client: %w", err)
		}
		slog.Info("using ECS control plane", "region", cfg.AWSRegion, "clusters", cfg.ECSClusters)
		return ecs.New(client, ecs.Options{
			Clusters:       cfg.ECSClusters,
			IncludeStopped: cfg.IncludeStoppedTasks,
			Limiter:        limiter,
		}), nil
	}
}

// newArchive returns the snapshot archive selected by STORE_BACKEND, or nil
// for the memory backend.
func newArchive(ctx context.Context, cfg *config.Config) (store.Archive, error) {
	if cfg.StoreBackend != "s3" {
		return nil, nil
	}
	s3Client, err := store.NewS3Client(ctx, cfg.S3Region, cfg.S3Endpoint)
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	return store.NewS3Archive(s3Client, cfg.S3Bucket, cfg.S3KeyPrefix), nil
}

// restoreSnapshot seeds the store with the last archived snapshot so cycle
// numbers and timestamps continue across restarts. Failures are not fatal.
func restoreSnapshot(ctx context.Context, st *store.Store, archive store.Archive) {
	snap, err := archive.Restore(ctx)
	if err != nil {
		slog.Warn("failed to restore snapshot, starting empty", "error", err)
		return
	}
	st.Seed(snap)
}
