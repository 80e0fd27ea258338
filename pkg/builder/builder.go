// Package builder produces one snapshot per polling cycle by walking every
// cluster's services and tasks through the orchestrator API.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/kanzifucius/svc-tracker/pkg/docker"
	"github.com/kanzifucius/svc-tracker/pkg/metrics"
	"github.com/kanzifucius/svc-tracker/pkg/orchestrator"
	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// UsageSource reports per-task resource usage observed on the local host.
type UsageSource interface {
	Collect(ctx context.Context) (map[store.TaskRef]docker.Usage, error)
}

// ContainerScraper relays metrics from local containers.
type ContainerScraper interface {
	Scrape(ctx context.Context) ([]store.ContainerScrape, error)
}

// Options configures a Builder.
type Options struct {
	DescribeBatchSize int
	TaskBatchSize     int
	Workers           int

	// RateLimit and RateBurst configure the token bucket shared by every
	// call made during a cycle, across all workers.
	RateLimit rate.Limit
	RateBurst int

	// Limiter, when set, is used instead of a bucket built from RateLimit
	// and RateBurst. Pass the same limiter to a self-pacing adapter so the
	// requests it sends draw from the one bucket.
	Limiter *rate.Limiter

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ClusterDeadline bounds the work spent on one cluster.
	ClusterDeadline time.Duration

	// Usage and Relay are optional host sources.
	Usage UsageSource
	Relay ContainerScraper

	// Clock stamps snapshots. Defaults to the real clock.
	Clock clock.PassiveClock
}

// Builder produces snapshots. It is not safe for concurrent Build calls.
type Builder struct {
	api     orchestrator.API
	opts    Options
	limiter *rate.Limiter
	clock   clock.PassiveClock

	// selfPaced is set when the adapter takes a token per request itself.
	selfPaced bool
}

// New creates a Builder.
func New(api orchestrator.API, opts Options) *Builder {
	if opts.DescribeBatchSize < 1 {
		opts.DescribeBatchSize = 1
	}
	if opts.TaskBatchSize < 1 {
		opts.TaskBatchSize = 1
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RateBurst < 1 {
		opts.RateBurst = 1
	}
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(opts.RateLimit, opts.RateBurst)
	}
	p, ok := api.(orchestrator.SelfPacing)
	return &Builder{
		api:       api,
		opts:      opts,
		limiter:   limiter,
		clock:     c,
		selfPaced: ok && p.PacesRequests(),
	}
}

// Build runs one discovery and describe pass and returns the assembled
// snapshot, stamped with the time the pass started. A failure to list
// clusters, or ctx ending before all clusters finished, fails the whole
// pass. Any other failure is confined to the cluster it happened in.
func (b *Builder) Build(ctx context.Context) (*store.Snapshot, error) {
	start := b.clock.Now()

	clusters, err := call(ctx, b, orchestrator.OpListClusters, b.api.ListClusters)
	if err != nil {
		return nil, fmt.Errorf("discovering clusters: %w", err)
	}

	results := make([]store.ClusterResult, len(clusters))
	var g errgroup.Group
	g.SetLimit(b.opts.Workers)
	for i, cluster := range clusters {
		g.Go(func() error {
			results[i] = b.buildCluster(ctx, cluster)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cycle did not finish: %w", err)
	}

	if b.opts.Usage != nil {
		usage, err := b.opts.Usage.Collect(ctx)
		if err != nil {
			slog.Warn("container usage unavailable", "error", err)
		} else {
			results = docker.MergeUsage(results, usage)
		}
	}

	var containers []store.ContainerScrape
	if b.opts.Relay != nil {
		containers, err = b.opts.Relay.Scrape(ctx)
		if err != nil {
			slog.Warn("container metrics relay failed", "error", err)
		}
	}

	return store.NewSnapshot(start, results, containers), nil
}

// buildCluster describes one cluster under its own deadline and returns a
// tagged result. It never returns an error.
func (b *Builder) buildCluster(ctx context.Context, cluster store.ClusterRef) store.ClusterResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, b.opts.ClusterDeadline)
	defer cancel()

	services, err := b.describeCluster(ctx, cluster)
	metrics.ClusterBuildDuration.WithLabelValues(cluster.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		kind := errorKind(ctx, err)
		slog.Warn("cluster describe failed",
			"cluster", cluster.Name,
			"kind", kind,
			"error", err,
		)
		return store.ClusterResult{
			Cluster:   cluster,
			ErrorKind: kind,
			Error:     err.Error(),
		}
	}

	slog.Debug("cluster described", "cluster", cluster.Name, "services", len(services))
	return store.ClusterResult{Cluster: cluster, OK: true, Services: services}
}

func (b *Builder) describeCluster(ctx context.Context, cluster store.ClusterRef) ([]store.ServiceObservation, error) {
	refs, err := call(ctx, b, orchestrator.OpListServices, func(ctx context.Context) ([]store.ServiceRef, error) {
		return b.api.ListServices(ctx, cluster)
	})
	if err != nil {
		return nil, err
	}
	refs = uniqueBy(refs, func(r store.ServiceRef) string { return r.ID })

	var services []store.ServiceObservation
	for _, batch := range batches(refs, b.opts.DescribeBatchSize) {
		described, err := call(ctx, b, orchestrator.OpDescribeServices, func(ctx context.Context) ([]store.ServiceObservation, error) {
			return b.api.DescribeServices(ctx, cluster, batch)
		})
		if err != nil {
			return nil, err
		}
		services = append(services, described...)
	}
	services = uniqueBy(services, func(s store.ServiceObservation) string { return s.Service.ID })

	for i := range services {
		tasks, err := b.describeTasks(ctx, cluster, services[i].Service)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", services[i].Service.Name, err)
		}
		services[i].Tasks = tasks
	}
	return services, nil
}

func (b *Builder) describeTasks(ctx context.Context, cluster store.ClusterRef, service store.ServiceRef) ([]store.TaskObservation, error) {
	refs, err := call(ctx, b, orchestrator.OpListTasks, func(ctx context.Context) ([]store.TaskRef, error) {
		return b.api.ListTasks(ctx, cluster, service)
	})
	if err != nil {
		return nil, err
	}
	// A task that changes desired status between the RUNNING and STOPPED
	// listings is returned by both.
	refs = uniqueBy(refs, func(r store.TaskRef) store.TaskRef { return r })

	var tasks []store.TaskObservation
	for _, batch := range batches(refs, b.opts.TaskBatchSize) {
		described, err := call(ctx, b, orchestrator.OpDescribeTasks, func(ctx context.Context) ([]store.TaskObservation, error) {
			return b.api.DescribeTasks(ctx, cluster, batch)
		})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, described...)
	}
	return uniqueBy(tasks, func(t store.TaskObservation) store.TaskRef { return t.ID }), nil
}

// errorKind maps a cluster failure to the error kind recorded in the snapshot.
func errorKind(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return store.ErrorKindTimeout
	}
	return orchestrator.KindOf(err).String()
}

// uniqueBy drops every element whose key was already seen, keeping the
// first occurrence and the original order.
func uniqueBy[T any, K comparable](items []T, key func(T) K) []T {
	seen := make(map[K]struct{}, len(items))
	out := items[:0:0]
	for _, item := range items {
		k := key(item)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, item)
	}
	return out
}

// batches splits items into consecutive slices of at most size elements.
func batches[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
