package health

import (
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/kanzifucius/svc-tracker/pkg/store"
)

type fixedSource struct{ snap *store.Snapshot }

func (f *fixedSource) Current() *store.Snapshot { return f.snap }

func TestCheck_NotInitialized(t *testing.T) {
	r := NewReporter(&fixedSource{}, time.Minute, testingclock.NewFakePassiveClock(time.Now()))

	st := r.Check()
	if st.Healthy {
		t.Error("expected unhealthy before the first publish")
	}
	if st.Reason != "not yet initialized" {
		t.Errorf("unexpected reason: %q", st.Reason)
	}
}

func TestCheck_StalenessBoundary(t *testing.T) {
	captured := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	threshold := 90 * time.Second
	src := &fixedSource{snap: &store.Snapshot{CapturedAt: captured, Cycle: 4}}

	tests := []struct {
		name    string
		now     time.Time
		healthy bool
	}{
		{"fresh", captured, true},
		{"just inside threshold", captured.Add(threshold - time.Second), true},
		{"exactly at threshold", captured.Add(threshold), true},
		{"just past threshold", captured.Add(threshold + time.Second), false},
		{"long stale", captured.Add(10 * threshold), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReporter(src, threshold, testingclock.NewFakePassiveClock(tt.now))
			st := r.Check()
			if st.Healthy != tt.healthy {
				t.Errorf("healthy = %v, want %v (reason %q)", st.Healthy, tt.healthy, st.Reason)
			}
			if st.Staleness != tt.now.Sub(captured) {
				t.Errorf("staleness = %s, want %s", st.Staleness, tt.now.Sub(captured))
			}
			if st.Cycle != 4 {
				t.Errorf("cycle = %d, want 4", st.Cycle)
			}
		})
	}
}

func TestCheck_FailedClustersStayHealthy(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := store.NewSnapshot(now, []store.ClusterResult{
		{Cluster: store.ClusterRef{ID: "a", Name: "a"}, ErrorKind: store.ErrorKindTimeout},
	}, nil)

	r := NewReporter(&fixedSource{snap: snap}, time.Minute, testingclock.NewFakePassiveClock(now))
	if st := r.Check(); !st.Healthy {
		t.Errorf("cluster failures must not affect health, got %q", st.Reason)
	}
}

func TestCheck_FollowsClock(t *testing.T) {
	captured := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testingclock.NewFakePassiveClock(captured)
	r := NewReporter(&fixedSource{snap: &store.Snapshot{CapturedAt: captured}}, 30*time.Second, clk)

	if !r.Check().Healthy {
		t.Fatal("expected healthy at capture time")
	}
	clk.SetTime(captured.Add(31 * time.Second))
	if r.Check().Healthy {
		t.Error("expected unhealthy after the threshold elapsed")
	}
}
