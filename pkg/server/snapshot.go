package server

import (
	"net/http"
	"time"

	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// TaskDTO is the JSON representation of a single task.
type TaskDTO struct {
	ID            string `json:"id"`
	LastStatus    string `json:"lastStatus"`
	DesiredStatus string `json:"desiredStatus"`
	HealthStatus  string `json:"healthStatus"`
	StopCode      string `json:"stopCode,omitempty"`
	StoppedReason string `json:"stoppedReason,omitempty"`
	AgeSeconds    int64  `json:"ageSeconds"`
}

// ServiceDTO is the JSON representation of a service and its tasks.
type ServiceDTO struct {
	Name             string    `json:"name"`
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	LaunchType       string    `json:"launchType,omitempty"`
	DeploymentStatus string    `json:"deploymentStatus"`
	Desired          int       `json:"desired"`
	Running          int       `json:"running"`
	Pending          int       `json:"pending"`
	Tasks            []TaskDTO `json:"tasks"`
}

// ClusterDTO is the JSON representation of one cluster result.
type ClusterDTO struct {
	Name      string       `json:"name"`
	ID        string       `json:"id"`
	OK        bool         `json:"ok"`
	ErrorKind string       `json:"errorKind,omitempty"`
	Error     string       `json:"error,omitempty"`
	Services  []ServiceDTO `json:"services"`
}

// SnapshotResponse is the top-level JSON response for the /snapshot endpoint.
type SnapshotResponse struct {
	Cycle       uint64       `json:"cycle"`
	CapturedAt  string       `json:"capturedAt"`
	GeneratedAt string       `json:"generatedAt"`
	Clusters    []ClusterDTO `json:"clusters"`
}

// snapshotHandler serves the current snapshot as JSON. The optional
// "cluster" query parameter restricts the output to one cluster name.
func snapshotHandler(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := src.Current()
		if snap == nil {
			writeText(w, http.StatusServiceUnavailable, store.ErrNotInitialized.Error()+"\n")
			return
		}

		now := time.Now().UTC()
		only := r.URL.Query().Get("cluster")

		clusters := make([]ClusterDTO, 0, len(snap.Clusters))
		for _, c := range snap.Clusters {
			if only != "" && c.Cluster.Name != only {
				continue
			}
			clusters = append(clusters, clusterDTO(c, now))
		}

		writeJSON(w, http.StatusOK, SnapshotResponse{
			Cycle:       snap.Cycle,
			CapturedAt:  snap.CapturedAt.UTC().Format(time.RFC3339Nano),
			GeneratedAt: now.Format(time.RFC3339),
			Clusters:    clusters,
		})
	}
}

func clusterDTO(c store.ClusterResult, now time.Time) ClusterDTO {
	services := make([]ServiceDTO, 0, len(c.Services))
	for _, s := range c.Services {
		tasks := make([]TaskDTO, 0, len(s.Tasks))
		for _, t := range s.Tasks {
			var age int64
			if !t.StartedAt.IsZero() {
				age = int64(now.Sub(t.StartedAt).Seconds())
			}
			tasks = append(tasks, TaskDTO{
				ID:            string(t.ID),
				LastStatus:    t.LastStatus,
				DesiredStatus: t.DesiredStatus,
				HealthStatus:  t.HealthStatus,
				StopCode:      t.StopCode,
				StoppedReason: t.StoppedReason,
				AgeSeconds:    age,
			})
		}
		services = append(services, ServiceDTO{
			Name:             s.Service.Name,
			ID:               s.Service.ID,
			Status:           s.Status,
			LaunchType:       s.LaunchType,
			DeploymentStatus: s.DeploymentStatus,
			Desired:          s.DesiredCount,
			Running:          s.RunningCount,
			Pending:          s.PendingCount,
			Tasks:            tasks,
		})
	}
	return ClusterDTO{
		Name:      c.Cluster.Name,
		ID:        c.Cluster.ID,
		OK:        c.OK,
		ErrorKind: c.ErrorKind,
		Error:     c.Error,
		Services:  services,
	}
}
