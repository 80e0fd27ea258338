package kube

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/kanzifucius/svc-tracker/pkg/orchestrator"
	"github.com/kanzifucius/svc-tracker/pkg/store"
)

func int32Ptr(v int32) *int32 { return &v }

func deployment(ns, name string, replicas, available int32, progressReason string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(replicas),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
		},
		Status: appsv1.DeploymentStatus{
			Replicas:          replicas,
			UpdatedReplicas:   replicas,
			AvailableReplicas: available,
			Conditions: []appsv1.DeploymentCondition{
				{Type: appsv1.DeploymentProgressing, Status: corev1.ConditionTrue, Reason: progressReason},
			},
		},
	}
}

func pod(ns, name, app string, phase corev1.PodPhase, ready corev1.ConditionStatus) *corev1.Pod {
	start := metav1.NewTime(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: map[string]string{"app": app}},
		Spec: corev1.PodSpec{
			NodeName: "node-a",
			Containers: []corev1.Container{
				{Name: "main", Resources: corev1.ResourceRequirements{Requests: corev1.ResourceList{
					corev1.ResourceCPU:    resource.MustParse("250m"),
					corev1.ResourceMemory: resource.MustParse("128Mi"),
				}}},
				{Name: "sidecar", Resources: corev1.ResourceRequirements{Requests: corev1.ResourceList{
					corev1.ResourceCPU: resource.MustParse("250m"),
				}}},
			},
		},
		Status: corev1.PodStatus{
			Phase:      phase,
			StartTime:  &start,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: ready}},
		},
	}
}

func newClient(objects ...runtime.Object) (*Client, *fake.Clientset) {
	cs := fake.NewClientset(objects...)
	return New(map[string]kubernetes.Interface{"prod": cs}, nil), cs
}

var prod = store.ClusterRef{ID: "prod", Name: "prod"}

func TestListClusters_Sorted(t *testing.T) {
	c := New(map[string]kubernetes.Interface{
		"zeta":  fake.NewClientset(),
		"alpha": fake.NewClientset(),
	}, nil)

	clusters, err := c.ListClusters(context.Background())
	if err != nil {
		t.Fatalf("ListClusters: %v", err)
	}
	if len(clusters) != 2 || clusters[0].ID != "alpha" || clusters[1].ID != "zeta" {
		t.Errorf("unexpected clusters: %+v", clusters)
	}
}

func TestListServices_AllNamespaces(t *testing.T) {
	c, _ := newClient(
		deployment("team-a", "api", 2, 2, "NewReplicaSetAvailable"),
		deployment("team-b", "web", 1, 1, "NewReplicaSetAvailable"),
	)

	services, err := c.ListServices(context.Background(), prod)
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(services))
	}
	ids := map[string]bool{}
	for _, s := range services {
		ids[s.ID] = true
	}
	if !ids["team-a/api"] || !ids["team-b/web"] {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestListServices_NamespaceScope(t *testing.T) {
	cs := fake.NewClientset(
		deployment("team-a", "api", 2, 2, "NewReplicaSetAvailable"),
		deployment("team-b", "web", 1, 1, "NewReplicaSetAvailable"),
	)
	c := New(map[string]kubernetes.Interface{"prod": cs}, []string{"team-b"})

	services, err := c.ListServices(context.Background(), prod)
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	if len(services) != 1 || services[0].ID != "team-b/web" {
		t.Errorf("unexpected services: %+v", services)
	}
}

func TestListServices_ClassifiesThrottling(t *testing.T) {
	c, cs := newClient()
	cs.PrependReactor("list", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewTooManyRequests("slow down", 1)
	})

	_, err := c.ListServices(context.Background(), prod)
	if !orchestrator.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestUnknownCluster(t *testing.T) {
	c, _ := newClient()
	_, err := c.ListServices(context.Background(), store.ClusterRef{ID: "missing"})
	if err == nil || orchestrator.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestDescribeServices(t *testing.T) {
	c, _ := newClient(deployment("team-a", "api", 3, 2, "ReplicaSetUpdated"))

	obs, err := c.DescribeServices(context.Background(), prod, []store.ServiceRef{
		{ID: "team-a/api", Name: "api"},
		{ID: "team-a/gone", Name: "gone"},
	})
	if err != nil {
		t.Fatalf("DescribeServices: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(obs))
	}
	got := obs[0]
	if got.DesiredCount != 3 || got.RunningCount != 2 || got.PendingCount != 1 {
		t.Errorf("counts mismatch: %+v", got)
	}
	if got.DeploymentStatus != "IN_PROGRESS" || got.LaunchType != LaunchType || got.Status != "ACTIVE" {
		t.Errorf("unexpected observation: %+v", got)
	}
}

func TestListAndDescribeTasks(t *testing.T) {
	c, _ := newClient(
		deployment("team-a", "api", 2, 1, "NewReplicaSetAvailable"),
		pod("team-a", "api-1", "api", corev1.PodRunning, corev1.ConditionTrue),
		pod("team-a", "api-2", "api", corev1.PodPending, corev1.ConditionFalse),
		pod("team-a", "web-1", "web", corev1.PodRunning, corev1.ConditionTrue),
	)
	svc := store.ServiceRef{ID: "team-a/api", Name: "api"}

	refs, err := c.ListTasks(context.Background(), prod, svc)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 pods for selector, got %d: %v", len(refs), refs)
	}

	tasks, err := c.DescribeTasks(context.Background(), prod, append(refs, "team-a/deleted"))
	if err != nil {
		t.Fatalf("DescribeTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	byID := map[store.TaskRef]store.TaskObservation{}
	for _, task := range tasks {
		byID[task.ID] = task
	}
	running := byID["team-a/api-1"]
	if running.LastStatus != "RUNNING" || running.HealthStatus != "HEALTHY" {
		t.Errorf("unexpected running pod: %+v", running)
	}
	if math.Abs(running.CPUReservedCores-0.5) > 1e-9 || running.MemoryReservedBytes != 128<<20 {
		t.Errorf("unexpected reservations: cpu=%v mem=%v", running.CPUReservedCores, running.MemoryReservedBytes)
	}
	pending := byID["team-a/api-2"]
	if pending.LastStatus != "PENDING" || pending.HealthStatus != "UNHEALTHY" {
		t.Errorf("unexpected pending pod: %+v", pending)
	}
}

func TestListTasks_DeploymentGone(t *testing.T) {
	c, _ := newClient()
	refs, err := c.ListTasks(context.Background(), prod, store.ServiceRef{ID: "team-a/api", Name: "api"})
	if err != nil || len(refs) != 0 {
		t.Errorf("expected no tasks and no error, got %v %v", refs, err)
	}
}

type countingLimiter struct {
	waits int
	err   error
}

func (l *countingLimiter) Wait(context.Context) error {
	l.waits++
	return l.err
}

func TestLimiter_OneTokenPerRequest(t *testing.T) {
	cs := fake.NewClientset(
		deployment("team-a", "api", 2, 2, "NewReplicaSetAvailable"),
		deployment("team-a", "web", 1, 1, "NewReplicaSetAvailable"),
		pod("team-a", "api-1", "api", corev1.PodRunning, corev1.ConditionTrue),
		pod("team-a", "api-2", "api", corev1.PodRunning, corev1.ConditionTrue),
	)
	cs.ClearActions()
	l := &countingLimiter{}
	c := New(map[string]kubernetes.Interface{"prod": cs}, nil, WithLimiter(l))
	if !c.PacesRequests() {
		t.Fatal("expected a client with a limiter to pace its own requests")
	}
	ctx := context.Background()

	refs, err := c.ListServices(ctx, prod)
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	if _, err := c.DescribeServices(ctx, prod, refs); err != nil {
		t.Fatalf("DescribeServices: %v", err)
	}
	tasks, err := c.ListTasks(ctx, prod, store.ServiceRef{ID: "team-a/api", Name: "team-a/api"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if _, err := c.DescribeTasks(ctx, prod, append(tasks, "team-a/deleted")); err != nil {
		t.Fatalf("DescribeTasks: %v", err)
	}

	// 1 List + 2 Gets + (Get + List) + 3 Gets.
	requests := len(cs.Actions())
	if requests != 8 {
		t.Errorf("expected 8 apiserver requests, got %d", requests)
	}
	if l.waits != requests {
		t.Errorf("expected one token per request: %d tokens for %d requests", l.waits, requests)
	}
}

func TestLimiter_RefusalSendsNoRequest(t *testing.T) {
	cs := fake.NewClientset(deployment("team-a", "api", 1, 1, "NewReplicaSetAvailable"))
	cs.ClearActions()
	l := &countingLimiter{err: errors.New("rate: Wait(n=1) would exceed context deadline")}
	c := New(map[string]kubernetes.Interface{"prod": cs}, nil, WithLimiter(l))

	_, err := c.ListServices(context.Background(), prod)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if n := len(cs.Actions()); n != 0 {
		t.Errorf("expected no apiserver request, got %d", n)
	}
}

func TestPacesRequests_WithoutLimiter(t *testing.T) {
	c, _ := newClient()
	if c.PacesRequests() {
		t.Error("a client without a limiter must leave pacing to its caller")
	}
}

func TestPodToObservation_Terminated(t *testing.T) {
	p := pod("team-a", "job-1", "job", corev1.PodFailed, corev1.ConditionFalse)
	p.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name: "main",
		State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
			Reason:  "OOMKilled",
			Message: "memory limit exceeded",
		}},
	}}
	now := metav1.Now()
	p.DeletionTimestamp = &now

	obs := PodToObservation(p)
	if obs.LastStatus != "FAILED" || obs.DesiredStatus != "STOPPED" {
		t.Errorf("unexpected status: %+v", obs)
	}
	if obs.StopCode != "OOMKilled" || obs.StoppedReason != "memory limit exceeded" {
		t.Errorf("unexpected stop info: code=%q reason=%q", obs.StopCode, obs.StoppedReason)
	}
}

func TestRolloutState(t *testing.T) {
	tests := map[string]string{
		"NewReplicaSetAvailable":   "COMPLETED",
		"ProgressDeadlineExceeded": "FAILED",
		"ReplicaSetUpdated":        "IN_PROGRESS",
	}
	for reason, want := range tests {
		d := deployment("ns", "d", 1, 1, reason)
		if got := DeploymentToObservation(d).DeploymentStatus; got != want {
			t.Errorf("%s: got %q, want %q", reason, got, want)
		}
	}
	d := deployment("ns", "d", 1, 1, "")
	d.Status.Conditions = nil
	if got := DeploymentToObservation(d).DeploymentStatus; got != "" {
		t.Errorf("no condition: got %q, want empty", got)
	}
}

func TestClassify(t *testing.T) {
	gr := schema.GroupResource{Group: "apps", Resource: "deployments"}
	tests := []struct {
		name string
		err  error
		want orchestrator.Kind
	}{
		{"too many requests", apierrors.NewTooManyRequests("slow", 1), orchestrator.Transient},
		{"internal", apierrors.NewInternalError(errors.New("etcd")), orchestrator.Transient},
		{"unavailable", apierrors.NewServiceUnavailable("down"), orchestrator.Transient},
		{"forbidden", apierrors.NewForbidden(gr, "api", errors.New("rbac")), orchestrator.Permanent},
		{"not found", apierrors.NewNotFound(gr, "api"), orchestrator.Permanent},
		{"deadline", context.DeadlineExceeded, orchestrator.Transient},
		{"other", errors.New("boom"), orchestrator.Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := orchestrator.KindOf(Classify("op", tt.err)); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
