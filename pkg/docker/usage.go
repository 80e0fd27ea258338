package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/container"

	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// Usage is the summed resource usage of the containers of one task.
type Usage struct {
	CPUCores    float64
	MemoryBytes float64
}

// UsageSource reads container stats and sums them per task.
type UsageSource struct {
	api ContainerAPI
}

// NewUsageSource creates a UsageSource.
func NewUsageSource(api ContainerAPI) *UsageSource {
	return &UsageSource{api: api}
}

// Collect returns the usage of every task with running containers on this
// host. Containers whose stats cannot be read are skipped.
func (u *UsageSource) Collect(ctx context.Context) (map[store.TaskRef]Usage, error) {
	containers, err := u.api.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	out := make(map[store.TaskRef]Usage)
	for _, c := range containers {
		task, ok := taskOf(c.Labels)
		if !ok {
			continue
		}
		stats, err := u.stats(ctx, c.ID)
		if err != nil {
			slog.Debug("skipping container stats", "container", c.ID, "error", err)
			continue
		}
		sum := out[task]
		sum.CPUCores += cpuCores(stats)
		sum.MemoryBytes += memoryBytes(stats)
		out[task] = sum
	}
	return out, nil
}

func (u *UsageSource) stats(ctx context.Context, id string) (*container.StatsResponse, error) {
	resp, err := u.api.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}
	return &stats, nil
}

// taskOf returns the task a container belongs to: the ECS task ARN, or the
// namespace/pod of a Kubernetes pod.
func taskOf(labels map[string]string) (store.TaskRef, bool) {
	if arn := labels[LabelECSTaskARN]; arn != "" {
		return store.TaskRef(arn), true
	}
	ns, pod := labels[LabelPodNamespace], labels[LabelPodName]
	if ns != "" && pod != "" {
		return store.TaskRef(ns + "/" + pod), true
	}
	return "", false
}

// cpuCores converts the delta between the two stats samples to cores in use.
func cpuCores(s *container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	return cpuDelta / systemDelta * cpus
}

// memoryBytes returns the working set: usage minus reclaimable page cache.
func memoryBytes(s *container.StatsResponse) float64 {
	usage := s.MemoryStats.Usage
	cache := s.MemoryStats.Stats["inactive_file"]
	if cache == 0 {
		cache = s.MemoryStats.Stats["total_inactive_file"]
	}
	if cache < usage {
		usage -= cache
	}
	return float64(usage)
}

// MergeUsage returns a copy of clusters with usage attached to every task
// that has an entry in usage. Tasks without usage keep nil pointers.
func MergeUsage(clusters []store.ClusterResult, usage map[store.TaskRef]Usage) []store.ClusterResult {
	if len(usage) == 0 {
		return clusters
	}
	out := make([]store.ClusterResult, len(clusters))
	for ci, cr := range clusters {
		out[ci] = cr
		if len(cr.Services) == 0 {
			continue
		}
		services := make([]store.ServiceObservation, len(cr.Services))
		for si, svc := range cr.Services {
			services[si] = svc
			tasks := make([]store.TaskObservation, len(svc.Tasks))
			for ti, t := range svc.Tasks {
				if u, ok := usage[t.ID]; ok {
					cpu, mem := u.CPUCores, u.MemoryBytes
					t.CPUUsageCores = &cpu
					t.MemoryUsageBytes = &mem
				}
				tasks[ti] = t
			}
			services[si].Tasks = tasks
		}
		out[ci].Services = services
	}
	return out
}
