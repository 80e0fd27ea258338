package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kanzifucius/svc-tracker/pkg/metrics"
	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// metricsHandler renders the snapshot current at request time. The whole
// body is rendered into a buffer first so a failure never leaves a
// truncated exposition behind a 200.
func metricsHandler(src Source, self prometheus.Gatherer) http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snap := src.Current()
		if snap == nil {
			writeText(w, http.StatusServiceUnavailable, store.ErrNotInitialized.Error()+"\n")
			return
		}

		g, err := metrics.SnapshotGatherer(snap)
		if err != nil {
			slog.Error("failed to build snapshot gatherer", "cycle", snap.Cycle, "error", err)
			writeText(w, http.StatusInternalServerError, "failed to render metrics\n")
			return
		}
		gatherers := prometheus.Gatherers{g}
		if self != nil {
			gatherers = append(gatherers, self)
		}

		var buf bytes.Buffer
		if err := metrics.Render(&buf, gatherers); err != nil {
			slog.Error("failed to render metrics", "cycle", snap.Cycle, "error", err)
			writeText(w, http.StatusInternalServerError, "failed to render metrics\n")
			return
		}

		w.Header().Set("Content-Type", metrics.ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	})

	return promhttp.InstrumentHandlerDuration(metrics.ScrapeDuration,
		promhttp.InstrumentHandlerCounter(metrics.ScrapeRequests, h))
}

// containersHandler serves the container metric lines relayed during the
// cycle that produced the current snapshot. Containers running the same
// exporter repeat its HELP and TYPE lines; only the first of each is kept,
// since a repeated TYPE line makes the whole page unparseable.
func containersHandler(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := src.Current()
		if snap == nil {
			writeText(w, http.StatusServiceUnavailable, store.ErrNotInitialized.Error()+"\n")
			return
		}

		var b strings.Builder
		seen := make(map[string]struct{})
		for _, c := range snap.Containers {
			for _, line := range c.Lines {
				if key, ok := metadataKey(line); ok {
					if _, dup := seen[key]; dup {
						continue
					}
					seen[key] = struct{}{}
				}
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}

		w.Header().Set("Content-Type", metrics.ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(b.String()))
	}
}

// metadataKey returns "HELP name" or "TYPE name" for a metadata comment.
func metadataKey(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "#" {
		return "", false
	}
	if fields[1] != "HELP" && fields[1] != "TYPE" {
		return "", false
	}
	return fields[1] + " " + fields[2], true
}
