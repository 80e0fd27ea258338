// Package scheduler drives the polling loop: one snapshot build per tick,
// never two at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/kanzifucius/svc-tracker/pkg/metrics"
	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// Cycle outcomes recorded in svc_tracker_cycles_total.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
	OutcomeOverrun = "overrun"
)

// persistTimeout caps one archive write. The write is further bounded by
// the time left before the next tick.
const persistTimeout = 30 * time.Second

// Builder produces one snapshot per call.
type Builder interface {
	Build(ctx context.Context) (*store.Snapshot, error)
}

// Publisher makes a snapshot current.
type Publisher interface {
	Publish(snap *store.Snapshot) *store.Snapshot
}

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration

	// CycleDeadline bounds one whole cycle. It should be shorter than
	// Interval.
	CycleDeadline time.Duration

	// Archive, if set, receives every snapshot in which all clusters
	// succeeded.
	Archive store.Archive

	// OnPublish, if set, is called with each stored snapshot.
	OnPublish func(*store.Snapshot)

	// Clock defaults to the real clock.
	Clock clock.WithTicker
}

// Scheduler runs cycles on a fixed interval.
type Scheduler struct {
	builder   Builder
	publisher Publisher
	opts      Options
	clock     clock.WithTicker
}

// New creates a Scheduler.
func New(b Builder, p Publisher, opts Options) *Scheduler {
	c := opts.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	return &Scheduler{builder: b, publisher: p, opts: opts, clock: c}
}

// Run performs one cycle immediately and then one per tick until ctx is
// cancelled. Cycles run on the calling goroutine, so they never overlap;
// ticks that fire while a cycle is running are dropped and counted.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	slog.Info("scheduler started", "interval", s.opts.Interval, "cycle_deadline", s.opts.CycleDeadline)

	s.cycle(ctx, ticker)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return nil
		case <-ticker.C():
			s.cycle(ctx, ticker)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context, ticker clock.Ticker) {
	if err := s.RunOnce(ctx); err != nil {
		slog.Error("poll cycle failed, keeping previous snapshot", "error", err)
	}
	s.drain(ticker)
}

// drain discards ticks that queued up while a cycle was running.
func (s *Scheduler) drain(ticker clock.Ticker) {
	for {
		select {
		case <-ticker.C():
			metrics.CyclesSkipped.Inc()
			slog.Warn("poll cycle overran the interval, skipping tick", "interval", s.opts.Interval)
		default:
			return
		}
	}
}

// RunOnce builds and publishes one snapshot under the cycle deadline. A
// cycle with failed clusters is still published. An error means nothing was
// published and the previous snapshot stays current.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := s.clock.Now()

	cycleCtx := ctx
	if s.opts.CycleDeadline > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, s.opts.CycleDeadline)
		defer cancel()
	}

	snap, err := s.builder.Build(cycleCtx)
	metrics.CycleDuration.Observe(s.clock.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cycleCtx.Err(), context.DeadlineExceeded) {
			metrics.Cycles.WithLabelValues(OutcomeOverrun).Inc()
			return fmt.Errorf("cycle exceeded deadline %s: %w", s.opts.CycleDeadline, err)
		}
		metrics.Cycles.WithLabelValues(OutcomeFailed).Inc()
		return err
	}

	stored := s.publisher.Publish(snap)
	if s.opts.OnPublish != nil {
		s.opts.OnPublish(stored)
	}

	if !stored.AllClustersOK() {
		metrics.Cycles.WithLabelValues(OutcomePartial).Inc()
		slog.Warn("poll cycle completed with failed clusters",
			"cycle", stored.Cycle,
			"clusters", len(stored.Clusters),
			"failed", stored.FailedClusters(),
			"services", stored.ServiceCount(),
		)
		return nil
	}

	metrics.Cycles.WithLabelValues(OutcomeSuccess).Inc()
	slog.Info("poll cycle completed",
		"cycle", stored.Cycle,
		"clusters", len(stored.Clusters),
		"services", stored.ServiceCount(),
		"duration", s.clock.Since(start).String(),
	)
	s.persist(ctx, stored, start)
	return nil
}

// persist archives a fully successful snapshot. Partial snapshots are never
// archived so a restart never restores less than the last complete view.
// The write must finish before the next tick is due, counted from the cycle
// start; when no time is left it is skipped.
func (s *Scheduler) persist(ctx context.Context, snap *store.Snapshot, cycleStart time.Time) {
	if s.opts.Archive == nil {
		return
	}
	timeout := persistTimeout
	if s.opts.Interval > 0 {
		left := s.opts.Interval - s.clock.Since(cycleStart)
		if left <= 0 {
			slog.Warn("no time left in the interval, skipping snapshot persist", "cycle", snap.Cycle)
			return
		}
		timeout = min(timeout, left)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := s.opts.Archive.Persist(ctx, snap)
	metrics.S3PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warn("failed to persist snapshot", "cycle", snap.Cycle, "error", err)
	}
}
