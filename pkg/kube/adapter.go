package kube

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kanzifucius/svc-tracker/pkg/orchestrator"
	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// listPageSize bounds the size of each List response.
const listPageSize = 500

// Client implements orchestrator.API across one or more Kubernetes clusters.
type Client struct {
	clusters   map[string]kubernetes.Interface
	namespaces []string
	limiter    orchestrator.Limiter
}

var (
	_ orchestrator.API        = (*Client)(nil)
	_ orchestrator.SelfPacing = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithLimiter makes the Client take a token from l before every apiserver
// request, including each page of a List and each Get of a describe batch.
func WithLimiter(l orchestrator.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// New creates a Client over the given clientsets, keyed by cluster name.
// An empty namespaces list means all namespaces.
func New(clusters map[string]kubernetes.Interface, namespaces []string, opts ...Option) *Client {
	c := &Client{clusters: clusters, namespaces: namespaces}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PacesRequests reports whether a limiter was configured.
func (c *Client) PacesRequests() bool { return c.limiter != nil }

// ListClusters returns the configured clusters sorted by name.
func (c *Client) ListClusters(_ context.Context) ([]store.ClusterRef, error) {
	out := make([]store.ClusterRef, 0, len(c.clusters))
	for name := range c.clusters {
		out = append(out, store.ClusterRef{ID: name, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListServices lists the Deployments in scope.
func (c *Client) ListServices(ctx context.Context, cluster store.ClusterRef) ([]store.ServiceRef, error) {
	cs, err := c.clientset(orchestrator.OpListServices, cluster)
	if err != nil {
		return nil, err
	}

	namespaces := c.namespaces
	if len(namespaces) == 0 {
		namespaces = []string{metav1.NamespaceAll}
	}

	var out []store.ServiceRef
	for _, ns := range namespaces {
		var continueToken string
		for {
			if err := orchestrator.Throttle(ctx, c.limiter, orchestrator.OpListServices); err != nil {
				return nil, err
			}
			list, err := cs.AppsV1().Deployments(ns).List(ctx, metav1.ListOptions{
				Limit:    listPageSize,
				Continue: continueToken,
			})
			if err != nil {
				return nil, Classify(orchestrator.OpListServices, err)
			}
			for _, d := range list.Items {
				out = append(out, serviceRef(d.Namespace, d.Name))
			}
			continueToken = list.Continue
			if continueToken == "" {
				break
			}
		}
	}
	return out, nil
}

// DescribeServices fetches each Deployment. Deployments deleted since
// discovery are skipped.
func (c *Client) DescribeServices(ctx context.Context, cluster store.ClusterRef, services []store.ServiceRef) ([]store.ServiceObservation, error) {
	cs, err := c.clientset(orchestrator.OpDescribeServices, cluster)
	if err != nil {
		return nil, err
	}

	out := make([]store.ServiceObservation, 0, len(services))
	for _, ref := range services {
		if err := orchestrator.Throttle(ctx, c.limiter, orchestrator.OpDescribeServices); err != nil {
			return nil, err
		}
		d, err := c.getDeployment(ctx, cs, ref)
		if apierrors.IsNotFound(err) {
			slog.Debug("deployment vanished before describe", "cluster", cluster.Name, "service", ref.ID)
			continue
		}
		if err != nil {
			return nil, Classify(orchestrator.OpDescribeServices, err)
		}
		out = append(out, DeploymentToObservation(d))
	}
	return out, nil
}

// ListTasks lists the Pods selected by a Deployment.
func (c *Client) ListTasks(ctx context.Context, cluster store.ClusterRef, service store.ServiceRef) ([]store.TaskRef, error) {
	cs, err := c.clientset(orchestrator.OpListTasks, cluster)
	if err != nil {
		return nil, err
	}

	if err := orchestrator.Throttle(ctx, c.limiter, orchestrator.OpListTasks); err != nil {
		return nil, err
	}
	d, err := c.getDeployment(ctx, cs, service)
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Classify(orchestrator.OpListTasks, err)
	}
	selector, err := metav1.LabelSelectorAsSelector(d.Spec.Selector)
	if err != nil {
		return nil, orchestrator.NewPermanent(orchestrator.OpListTasks, "InvalidSelector", err)
	}

	var out []store.TaskRef
	var continueToken string
	for {
		if err := orchestrator.Throttle(ctx, c.limiter, orchestrator.OpListTasks); err != nil {
			return nil, err
		}
		list, err := cs.CoreV1().Pods(d.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: selector.String(),
			Limit:         listPageSize,
			Continue:      continueToken,
		})
		if err != nil {
			return nil, Classify(orchestrator.OpListTasks, err)
		}
		for _, p := range list.Items {
			out = append(out, store.TaskRef(ServiceID(p.Namespace, p.Name)))
		}
		continueToken = list.Continue
		if continueToken == "" {
			break
		}
	}
	return out, nil
}

// DescribeTasks fetches each Pod. Pods deleted since listing are skipped.
func (c *Client) DescribeTasks(ctx context.Context, cluster store.ClusterRef, tasks []store.TaskRef) ([]store.TaskObservation, error) {
	cs, err := c.clientset(orchestrator.OpDescribeTasks, cluster)
	if err != nil {
		return nil, err
	}

	out := make([]store.TaskObservation, 0, len(tasks))
	for _, ref := range tasks {
		if err := orchestrator.Throttle(ctx, c.limiter, orchestrator.OpDescribeTasks); err != nil {
			return nil, err
		}
		ns, name := splitID(string(ref))
		p, err := cs.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, Classify(orchestrator.OpDescribeTasks, err)
		}
		out = append(out, PodToObservation(p))
	}
	return out, nil
}

func (c *Client) clientset(op string, cluster store.ClusterRef) (kubernetes.Interface, error) {
	cs, ok := c.clusters[cluster.ID]
	if !ok {
		return nil, orchestrator.NewPermanent(op, "UnknownCluster", fmt.Errorf("no client for cluster %q", cluster.ID))
	}
	return cs, nil
}

func (c *Client) getDeployment(ctx context.Context, cs kubernetes.Interface, ref store.ServiceRef) (*appsv1.Deployment, error) {
	ns, name := splitID(ref.ID)
	return cs.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
}
