package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kanzifucius/svc-tracker/pkg/store"
)

func TestRegisterSelfMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	// Should not panic.
	RegisterSelfMetrics(reg)

	// Initialise the vecs so they appear in Gather output.
	Cycles.WithLabelValues("test-register").Add(0)
	APIRequests.WithLabelValues("test-register").Add(0)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}

	want := map[string]bool{
		"svc_tracker_cycle_duration_seconds":      false,
		"svc_tracker_cycles_total":                false,
		"svc_tracker_cycles_skipped_total":        false,
		"svc_tracker_api_requests_total":          false,
		"svc_tracker_s3_persist_duration_seconds": false,
	}

	for _, fam := range families {
		if _, ok := want[fam.GetName()]; ok {
			want[fam.GetName()] = true
		}
	}

	for name, found := range want {
		if !found {
			t.Errorf("expected metric family %q not found in gathered output", name)
		}
	}
}

func TestSelfMetricsUpdate(t *testing.T) {
	before := testutil.ToFloat64(APIRetries.WithLabelValues("DescribeTasks"))
	APIRetries.WithLabelValues("DescribeTasks").Inc()
	if got := testutil.ToFloat64(APIRetries.WithLabelValues("DescribeTasks")); got != before+1 {
		t.Errorf("api retries = %v, want %v", got, before+1)
	}

	skipped := testutil.ToFloat64(CyclesSkipped)
	CyclesSkipped.Add(2)
	if got := testutil.ToFloat64(CyclesSkipped); got != skipped+2 {
		t.Errorf("cycles skipped = %v, want %v", got, skipped+2)
	}
}

func TestSnapshotAge(t *testing.T) {
	var current *store.Snapshot
	now := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)
	g := NewSnapshotAge(func() *store.Snapshot { return current }, func() time.Time { return now })

	if v := testutil.ToFloat64(g); !math.IsNaN(v) {
		t.Errorf("expected NaN before first publish, got %v", v)
	}

	current = &store.Snapshot{CapturedAt: now.Add(-30 * time.Second)}
	if v := testutil.ToFloat64(g); v != 30 {
		t.Errorf("snapshot age = %v, want 30", v)
	}
}
