// Package store holds the immutable service/task snapshot model and the
// store that publishes snapshots to concurrent readers.
package store

import (
	"sort"
	"time"
)

// ClusterRef identifies an orchestration cluster for one polling cycle.
type ClusterRef struct {
	ID   string `json:"id"`   // ARN (ECS) or kubeconfig context (Kubernetes)
	Name string `json:"name"` // short name used as the metric label
}

// ServiceRef identifies a service within a cluster.
type ServiceRef struct {
	ID   string `json:"id"`   // ARN (ECS) or "namespace/name" (Kubernetes)
	Name string `json:"name"` // short name used as the metric label
}

// TaskRef identifies a single task (ECS task ARN or "namespace/pod").
type TaskRef string

// Error kinds recorded on a failed ClusterResult.
const (
	ErrorKindTransient = "transient"
	ErrorKindPermanent = "permanent"
	ErrorKindTimeout   = "timeout"
)

// TaskObservation holds point-in-time facts about one task.
type TaskObservation struct {
	ID                  TaskRef   `json:"id"`
	LastStatus          string    `json:"lastStatus"`
	DesiredStatus       string    `json:"desiredStatus"`
	HealthStatus        string    `json:"healthStatus"`
	CPUReservedCores    float64   `json:"cpuReservedCores"`
	MemoryReservedBytes float64   `json:"memoryReservedBytes"`
	CPUUsageCores       *float64  `json:"cpuUsageCores,omitempty"`    // nil unless a usage source observed the task
	MemoryUsageBytes    *float64  `json:"memoryUsageBytes,omitempty"` // nil unless a usage source observed the task
	StartedAt           time.Time `json:"startedAt"`
	StoppedReason       string    `json:"stoppedReason,omitempty"`
	StopCode            string    `json:"stopCode,omitempty"`
	LaunchType          string    `json:"launchType,omitempty"`
	AvailabilityZone    string    `json:"availabilityZone,omitempty"`
}

// ServiceObservation holds aggregated facts for one service and its tasks.
type ServiceObservation struct {
	Service          ServiceRef        `json:"service"`
	Status           string            `json:"status"`
	LaunchType       string            `json:"launchType,omitempty"`
	DesiredCount     int               `json:"desiredCount"`
	RunningCount     int               `json:"runningCount"`
	PendingCount     int               `json:"pendingCount"`
	DeploymentStatus string            `json:"deploymentStatus"`
	Deployments      int               `json:"deployments"`
	Tasks            []TaskObservation `json:"tasks"`
}

// TaskCountKey is the label tuple used to aggregate tasks of a service.
type TaskCountKey struct {
	LastStatus   string
	HealthStatus string
}

// TaskCounts aggregates the observed tasks by status and health. The counts
// are derived from Tasks only, so their sum is always len(Tasks).
func (s ServiceObservation) TaskCounts() map[TaskCountKey]int {
	out := make(map[TaskCountKey]int)
	for _, t := range s.Tasks {
		out[TaskCountKey{LastStatus: t.LastStatus, HealthStatus: t.HealthStatus}]++
	}
	return out
}

// StopCodeCounts counts stopped tasks by stop code.
func (s ServiceObservation) StopCodeCounts() map[string]int {
	out := make(map[string]int)
	for _, t := range s.Tasks {
		if t.StopCode == "" && t.StoppedReason == "" {
			continue
		}
		out[t.StopCode]++
	}
	return out
}

// ClusterResult is the tagged outcome of building one cluster: either OK with
// its services, or failed with an error kind and message.
type ClusterResult struct {
	Cluster   ClusterRef           `json:"cluster"`
	OK        bool                 `json:"ok"`
	ErrorKind string               `json:"errorKind,omitempty"`
	Error     string               `json:"error,omitempty"`
	Services  []ServiceObservation `json:"services,omitempty"`
}

// ContainerScrape holds metric lines relayed from one local container.
type ContainerScrape struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

// Snapshot is the full picture of one polling cycle. A Snapshot must not be
// modified once it has been handed to Store.Publish.
type Snapshot struct {
	CapturedAt time.Time         `json:"capturedAt"`
	Cycle      uint64            `json:"cycle"`
	Clusters   []ClusterResult   `json:"clusters"`
	Containers []ContainerScrape `json:"containers,omitempty"`
}

// NewSnapshot assembles a snapshot and puts clusters, services and tasks in
// a stable order.
func NewSnapshot(capturedAt time.Time, clusters []ClusterResult, containers []ContainerScrape) *Snapshot {
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Cluster.Name < clusters[j].Cluster.Name })
	for ci := range clusters {
		services := clusters[ci].Services
		sort.Slice(services, func(i, j int) bool { return services[i].Service.Name < services[j].Service.Name })
		for si := range services {
			tasks := services[si].Tasks
			sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
		}
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i].Name < containers[j].Name })
	return &Snapshot{
		CapturedAt: capturedAt,
		Clusters:   clusters,
		Containers: containers,
	}
}

// AllClustersOK reports whether every cluster in the snapshot succeeded.
func (s *Snapshot) AllClustersOK() bool {
	for _, c := range s.Clusters {
		if !c.OK {
			return false
		}
	}
	return true
}

// FailedClusters returns the number of failed clusters.
func (s *Snapshot) FailedClusters() int {
	n := 0
	for _, c := range s.Clusters {
		if !c.OK {
			n++
		}
	}
	return n
}

// ServiceCount returns the total number of services across all clusters.
func (s *Snapshot) ServiceCount() int {
	n := 0
	for _, c := range s.Clusters {
		n += len(c.Services)
	}
	return n
}
