// Package health reports exporter liveness based on snapshot staleness.
package health

import (
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// Source provides the currently published snapshot.
type Source interface {
	Current() *store.Snapshot
}

// Status is the outcome of a health check.
type Status struct {
	Healthy    bool          `json:"healthy"`
	Reason     string        `json:"reason"`
	Staleness  time.Duration `json:"-"`
	CapturedAt time.Time     `json:"capturedAt,omitempty"`
	Cycle      uint64        `json:"cycle,omitempty"`
}

// Reporter decides health from the age of the current snapshot. Failed
// clusters inside a fresh snapshot do not make the exporter unhealthy.
type Reporter struct {
	source    Source
	threshold time.Duration
	clock     clock.PassiveClock
}

// NewReporter creates a Reporter. A nil clock uses the real clock.
func NewReporter(source Source, threshold time.Duration, c clock.PassiveClock) *Reporter {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Reporter{source: source, threshold: threshold, clock: c}
}

// Threshold returns the configured staleness threshold.
func (r *Reporter) Threshold() time.Duration { return r.threshold }

// Check reports whether the current snapshot is fresh enough. The snapshot
// is unhealthy once its age exceeds the threshold.
func (r *Reporter) Check() Status {
	snap := r.source.Current()
	if snap == nil {
		return Status{Reason: store.ErrNotInitialized.Error()}
	}

	age := r.clock.Since(snap.CapturedAt)
	st := Status{
		Staleness:  age,
		CapturedAt: snap.CapturedAt,
		Cycle:      snap.Cycle,
	}
	if age > r.threshold {
		st.Reason = fmt.Sprintf("snapshot is stale: age %s exceeds threshold %s", age.Round(time.Millisecond), r.threshold)
		return st
	}
	st.Healthy = true
	st.Reason = "ok"
	return st
}
