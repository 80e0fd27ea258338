// Package metrics maps snapshots onto the exported metric catalog and
// renders them in the Prometheus text exposition format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kanzifucius/svc-tracker/pkg/store"
)

var (
	clusterLabels = []string{"cluster"}
	serviceLabels = []string{"cluster", "service"}

	snapshotTimestampDesc = prometheus.NewDesc(
		"svc_snapshot_timestamp_seconds",
		"Unix time at which the served snapshot was captured.",
		nil, nil,
	)
	snapshotCycleDesc = prometheus.NewDesc(
		"svc_snapshot_cycle",
		"Polling cycle number of the served snapshot.",
		nil, nil,
	)

	clusterSuccessDesc = prometheus.NewDesc(
		"svc_cluster_scrape_success",
		"Whether the cluster was described successfully in the served snapshot (1) or not (0).",
		clusterLabels, nil,
	)
	clusterFailedDesc = prometheus.NewDesc(
		"svc_cluster_scrape_failed",
		"Set to 1 for each cluster that failed in the served snapshot, by error kind.",
		[]string{"cluster", "error_kind"}, nil,
	)
	clusterServicesDesc = prometheus.NewDesc(
		"svc_cluster_services",
		"Number of services observed in the cluster.",
		clusterLabels, nil,
	)

	serviceDesiredDesc = prometheus.NewDesc(
		"svc_service_desired_tasks",
		"Desired task count of the service.",
		serviceLabels, nil,
	)
	serviceRunningDesc = prometheus.NewDesc(
		"svc_service_running_tasks",
		"Running task count reported by the control plane.",
		serviceLabels, nil,
	)
	servicePendingDesc = prometheus.NewDesc(
		"svc_service_pending_tasks",
		"Pending task count reported by the control plane.",
		serviceLabels, nil,
	)
	serviceObservedDesc = prometheus.NewDesc(
		"svc_service_observed_tasks",
		"Number of tasks described for the service.",
		serviceLabels, nil,
	)
	serviceDeploymentsDesc = prometheus.NewDesc(
		"svc_service_deployments",
		"Number of deployments in flight for the service.",
		serviceLabels, nil,
	)
	serviceInfoDesc = prometheus.NewDesc(
		"svc_service_info",
		"Service metadata; always 1.",
		[]string{"cluster", "service", "status", "launch_type", "deployment_status"}, nil,
	)
	serviceTasksDesc = prometheus.NewDesc(
		"svc_service_tasks",
		"Described tasks of the service by last status and health status.",
		[]string{"cluster", "service", "last_status", "health_status"}, nil,
	)
	serviceStoppedDesc = prometheus.NewDesc(
		"svc_service_stopped_tasks",
		"Described stopped tasks of the service by stop code.",
		[]string{"cluster", "service", "stop_code"}, nil,
	)
	serviceCPUReservedDesc = prometheus.NewDesc(
		"svc_service_cpu_reserved_cores",
		"Sum of CPU reserved by the described tasks, in cores.",
		serviceLabels, nil,
	)
	serviceMemReservedDesc = prometheus.NewDesc(
		"svc_service_memory_reserved_bytes",
		"Sum of memory reserved by the described tasks, in bytes.",
		serviceLabels, nil,
	)
	serviceCPUUsageDesc = prometheus.NewDesc(
		"svc_service_cpu_usage_cores",
		"Sum of CPU used by the tasks with observed usage, in cores.",
		serviceLabels, nil,
	)
	serviceMemUsageDesc = prometheus.NewDesc(
		"svc_service_memory_usage_bytes",
		"Sum of memory used by the tasks with observed usage, in bytes.",
		serviceLabels, nil,
	)
	taskStartedDesc = prometheus.NewDesc(
		"svc_task_started_timestamp_seconds",
		"Unix time at which the task started.",
		[]string{"cluster", "service", "task"}, nil,
	)
)

// SnapshotCollector implements prometheus.Collector over a single immutable
// snapshot. A nil snapshot collects nothing.
type SnapshotCollector struct {
	snap *store.Snapshot
}

// NewSnapshotCollector creates a collector for snap.
func NewSnapshotCollector(snap *store.Snapshot) *SnapshotCollector {
	return &SnapshotCollector{snap: snap}
}

// Describe sends the metric descriptors to the channel.
func (c *SnapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		snapshotTimestampDesc, snapshotCycleDesc,
		clusterSuccessDesc, clusterFailedDesc, clusterServicesDesc,
		serviceDesiredDesc, serviceRunningDesc, servicePendingDesc,
		serviceObservedDesc, serviceDeploymentsDesc, serviceInfoDesc,
		serviceTasksDesc, serviceStoppedDesc,
		serviceCPUReservedDesc, serviceMemReservedDesc,
		serviceCPUUsageDesc, serviceMemUsageDesc,
		taskStartedDesc,
	} {
		ch <- d
	}
}

// Collect emits gauge metrics for every cluster, service and task in the snapshot.
func (c *SnapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c.snap == nil {
		return
	}

	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}

	gauge(snapshotTimestampDesc, float64(c.snap.CapturedAt.UnixNano())/1e9)
	gauge(snapshotCycleDesc, float64(c.snap.Cycle))

	for _, cr := range c.snap.Clusters {
		cluster := cr.Cluster.Name
		if !cr.OK {
			gauge(clusterSuccessDesc, 0, cluster)
			gauge(clusterFailedDesc, 1, cluster, cr.ErrorKind)
			continue
		}
		gauge(clusterSuccessDesc, 1, cluster)
		gauge(clusterServicesDesc, float64(len(cr.Services)), cluster)

		for _, svc := range cr.Services {
			collectService(gauge, cluster, svc)
		}
	}
}

func collectService(gauge func(*prometheus.Desc, float64, ...string), cluster string, svc store.ServiceObservation) {
	name := svc.Service.Name

	gauge(serviceDesiredDesc, float64(svc.DesiredCount), cluster, name)
	gauge(serviceRunningDesc, float64(svc.RunningCount), cluster, name)
	gauge(servicePendingDesc, float64(svc.PendingCount), cluster, name)
	gauge(serviceObservedDesc, float64(len(svc.Tasks)), cluster, name)
	gauge(serviceDeploymentsDesc, float64(svc.Deployments), cluster, name)
	gauge(serviceInfoDesc, 1, cluster, name, svc.Status, svc.LaunchType, svc.DeploymentStatus)

	for key, n := range svc.TaskCounts() {
		gauge(serviceTasksDesc, float64(n), cluster, name, key.LastStatus, key.HealthStatus)
	}
	for code, n := range svc.StopCodeCounts() {
		gauge(serviceStoppedDesc, float64(n), cluster, name, code)
	}

	var cpuReserved, memReserved, cpuUsage, memUsage float64
	var cpuObserved, memObserved bool
	for _, t := range svc.Tasks {
		cpuReserved += t.CPUReservedCores
		memReserved += t.MemoryReservedBytes
		if t.CPUUsageCores != nil {
			cpuUsage += *t.CPUUsageCores
			cpuObserved = true
		}
		if t.MemoryUsageBytes != nil {
			memUsage += *t.MemoryUsageBytes
			memObserved = true
		}
		if !t.StartedAt.IsZero() {
			gauge(taskStartedDesc, float64(t.StartedAt.Unix()), cluster, name, string(t.ID))
		}
	}
	gauge(serviceCPUReservedDesc, cpuReserved, cluster, name)
	gauge(serviceMemReservedDesc, memReserved, cluster, name)
	if cpuObserved {
		gauge(serviceCPUUsageDesc, cpuUsage, cluster, name)
	}
	if memObserved {
		gauge(serviceMemUsageDesc, memUsage, cluster, name)
	}
}
