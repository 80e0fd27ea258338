package kube

import (
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// LaunchType reported for every Kubernetes workload.
const LaunchType = "KUBERNETES"

// Rollout states, matching the ECS deployment rollout vocabulary.
const (
	rolloutCompleted  = "COMPLETED"
	rolloutInProgress = "IN_PROGRESS"
	rolloutFailed     = "FAILED"
)

// ServiceID returns the namespace/name identifier of a workload.
func ServiceID(namespace, name string) string {
	return namespace + "/" + name
}

// serviceRef builds the reference for a Deployment. Names are only unique
// within a namespace, so the metric label carries the namespace too.
func serviceRef(namespace, name string) store.ServiceRef {
	id := ServiceID(namespace, name)
	return store.ServiceRef{ID: id, Name: id}
}

// splitID splits a namespace/name identifier. A bare name has no namespace.
func splitID(id string) (namespace, name string) {
	if i := strings.Index(id, "/"); i >= 0 {
		return id[:i], id[i+1:]
	}
	return "", id
}

// DeploymentToObservation converts a Deployment to a service observation.
func DeploymentToObservation(d *appsv1.Deployment) store.ServiceObservation {
	desired := 1
	if d.Spec.Replicas != nil {
		desired = int(*d.Spec.Replicas)
	}
	running := int(d.Status.AvailableReplicas)
	pending := int(d.Status.Replicas) - running
	if pending < 0 {
		pending = 0
	}

	status := "ACTIVE"
	if d.DeletionTimestamp != nil {
		status = "DRAINING"
	}

	obs := store.ServiceObservation{
		Service:          serviceRef(d.Namespace, d.Name),
		Status:           status,
		LaunchType:       LaunchType,
		DesiredCount:     desired,
		RunningCount:     running,
		PendingCount:     pending,
		DeploymentStatus: rolloutState(d),
		Deployments:      1,
	}
	// An old ReplicaSet still being scaled down counts as a second deployment.
	if d.Status.UpdatedReplicas < d.Status.Replicas {
		obs.Deployments = 2
	}
	return obs
}

// rolloutState derives the rollout state from the Progressing condition.
func rolloutState(d *appsv1.Deployment) string {
	for _, c := range d.Status.Conditions {
		if c.Type != appsv1.DeploymentProgressing {
			continue
		}
		switch c.Reason {
		case "NewReplicaSetAvailable":
			return rolloutCompleted
		case "ProgressDeadlineExceeded":
			return rolloutFailed
		default:
			return rolloutInProgress
		}
	}
	return ""
}

// PodToObservation converts a Pod to a task observation.
func PodToObservation(p *corev1.Pod) store.TaskObservation {
	obs := store.TaskObservation{
		ID:               store.TaskRef(ServiceID(p.Namespace, p.Name)),
		LastStatus:       strings.ToUpper(string(p.Status.Phase)),
		DesiredStatus:    "RUNNING",
		HealthStatus:     podHealth(p),
		LaunchType:       LaunchType,
		AvailabilityZone: p.Spec.NodeName,
		StoppedReason:    p.Status.Reason,
	}
	if obs.LastStatus == "" {
		obs.LastStatus = "UNKNOWN"
	}
	if p.DeletionTimestamp != nil {
		obs.DesiredStatus = "STOPPED"
	}
	if p.Status.StartTime != nil {
		obs.StartedAt = p.Status.StartTime.Time
	}

	for _, c := range p.Spec.Containers {
		if cpu, ok := c.Resources.Requests[corev1.ResourceCPU]; ok {
			obs.CPUReservedCores += cpu.AsApproximateFloat64()
		}
		if mem, ok := c.Resources.Requests[corev1.ResourceMemory]; ok {
			obs.MemoryReservedBytes += mem.AsApproximateFloat64()
		}
	}

	if p.Status.Phase == corev1.PodFailed || p.Status.Phase == corev1.PodSucceeded {
		for _, cs := range p.Status.ContainerStatuses {
			if term := cs.State.Terminated; term != nil {
				obs.StopCode = term.Reason
				if obs.StoppedReason == "" {
					obs.StoppedReason = term.Message
				}
				break
			}
		}
		if obs.StopCode == "" {
			obs.StopCode = p.Status.Reason
		}
	}
	return obs
}

// podHealth maps the Ready condition to HEALTHY / UNHEALTHY / UNKNOWN.
func podHealth(p *corev1.Pod) string {
	for _, c := range p.Status.Conditions {
		if c.Type != corev1.PodReady {
			continue
		}
		switch c.Status {
		case corev1.ConditionTrue:
			return "HEALTHY"
		case corev1.ConditionFalse:
			return "UNHEALTHY"
		}
	}
	return "UNKNOWN"
}
