package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kanzifucius/svc-tracker/pkg/health"
)

// HealthResponse is the JSON body of the /health endpoint.
type HealthResponse struct {
	Status           string  `json:"status"` // "ok" or "unhealthy"
	Reason           string  `json:"reason"`
	CapturedAt       string  `json:"capturedAt,omitempty"`
	Cycle            uint64  `json:"cycle,omitempty"`
	StalenessSeconds float64 `json:"stalenessSeconds"`
	ThresholdSeconds float64 `json:"thresholdSeconds"`
}

// healthHandler answers 200 while the current snapshot is fresher than the
// staleness threshold and 503 otherwise.
func healthHandler(reporter *health.Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := reporter.Check()

		resp := HealthResponse{
			Status:           "ok",
			Reason:           st.Reason,
			Cycle:            st.Cycle,
			StalenessSeconds: st.Staleness.Seconds(),
			ThresholdSeconds: reporter.Threshold().Seconds(),
		}
		if !st.CapturedAt.IsZero() {
			resp.CapturedAt = st.CapturedAt.UTC().Format(time.RFC3339Nano)
		}

		code := http.StatusOK
		if !st.Healthy {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
