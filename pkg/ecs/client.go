// Package ecs implements the orchestrator API on top of Amazon ECS.
package ecs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/kanzifucius/svc-tracker/pkg/orchestrator"
	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// API limits for the batch describe calls.
const (
	MaxDescribeServices = 10
	MaxDescribeTasks    = 100

	listPageSize = 100
)

// ECSClient is the subset of the AWS ECS client API used by Client.
type ECSClient interface {
	ListClusters(ctx context.Context, params *awsecs.ListClustersInput, optFns ...func(*awsecs.Options)) (*awsecs.ListClustersOutput, error)
	ListServices(ctx context.Context, params *awsecs.ListServicesInput, optFns ...func(*awsecs.Options)) (*awsecs.ListServicesOutput, error)
	DescribeServices(ctx context.Context, params *awsecs.DescribeServicesInput, optFns ...func(*awsecs.Options)) (*awsecs.DescribeServicesOutput, error)
	ListTasks(ctx context.Context, params *awsecs.ListTasksInput, optFns ...func(*awsecs.Options)) (*awsecs.ListTasksOutput, error)
	DescribeTasks(ctx context.Context, params *awsecs.DescribeTasksInput, optFns ...func(*awsecs.Options)) (*awsecs.DescribeTasksOutput, error)
}

// Options configures the ECS adapter.
type Options struct {
	// Clusters restricts discovery to these cluster names or ARNs.
	// Empty means every cluster visible to the credentials.
	Clusters []string

	// IncludeStopped also lists tasks whose desired status is STOPPED.
	IncludeStopped bool

	// Limiter, when set, is waited on before every ECS request, so each
	// page of a listing costs one token.
	Limiter orchestrator.Limiter
}

// Client implements orchestrator.API against ECS.
type Client struct {
	api  ECSClient
	opts Options
}

var (
	_ orchestrator.API        = (*Client)(nil)
	_ orchestrator.SelfPacing = (*Client)(nil)
)

// New wraps an ECS API client.
func New(api ECSClient, opts Options) *Client {
	return &Client{api: api, opts: opts}
}

// PacesRequests reports whether a limiter was configured.
func (c *Client) PacesRequests() bool { return c.opts.Limiter != nil }

// NewAWSClient creates a real ECS client using the default credential chain.
// The SDK retryer only handles connection-level failures; throttling and
// server errors are surfaced to the builder, which owns that retry policy.
func NewAWSClient(ctx context.Context, region, endpoint string, maxAttempts int) (*awsecs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = maxAttempts
				o.Retryables = []retry.IsErrorRetryable{retry.RetryableConnectionError{}}
			})
		}),
	)
	if err != nil {
		return nil, err
	}

	var opts []func(*awsecs.Options)
	if endpoint != "" {
		opts = append(opts, func(o *awsecs.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	return awsecs.NewFromConfig(awsCfg, opts...), nil
}

// ListClusters returns the configured clusters, or discovers all clusters
// when none are configured.
func (c *Client) ListClusters(ctx context.Context) ([]store.ClusterRef, error) {
	if len(c.opts.Clusters) > 0 {
		out := make([]store.ClusterRef, 0, len(c.opts.Clusters))
		for _, id := range c.opts.Clusters {
			out = append(out, store.ClusterRef{ID: id, Name: nameFromARN(id)})
		}
		return out, nil
	}

	var out []store.ClusterRef
	p := awsecs.NewListClustersPaginator(c.api, &awsecs.ListClustersInput{
		MaxResults: aws.Int32(listPageSize),
	})
	for p.HasMorePages() {
		if err := orchestrator.Throttle(ctx, c.opts.Limiter, orchestrator.OpListClusters); err != nil {
			return nil, err
		}
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, Classify(orchestrator.OpListClusters, err)
		}
		for _, arn := range page.ClusterArns {
			out = append(out, store.ClusterRef{ID: arn, Name: nameFromARN(arn)})
		}
	}
	return out, nil
}

// ListServices pages through all services in a cluster.
func (c *Client) ListServices(ctx context.Context, cluster store.ClusterRef) ([]store.ServiceRef, error) {
	var out []store.ServiceRef
	p := awsecs.NewListServicesPaginator(c.api, &awsecs.ListServicesInput{
		Cluster:    aws.String(cluster.ID),
		MaxResults: aws.Int32(listPageSize),
	})
	for p.HasMorePages() {
		if err := orchestrator.Throttle(ctx, c.opts.Limiter, orchestrator.OpListServices); err != nil {
			return nil, err
		}
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, Classify(orchestrator.OpListServices, err)
		}
		for _, arn := range page.ServiceArns {
			out = append(out, store.ServiceRef{ID: arn, Name: nameFromARN(arn)})
		}
	}
	return out, nil
}

// DescribeServices describes up to MaxDescribeServices services. Services
// reported as failures (typically MISSING after a delete) are skipped.
func (c *Client) DescribeServices(ctx context.Context, cluster store.ClusterRef, services []store.ServiceRef) ([]store.ServiceObservation, error) {
	if len(services) > MaxDescribeServices {
		return nil, orchestrator.NewPermanent(orchestrator.OpDescribeServices, "InvalidParameterException",
			fmt.Errorf("batch of %d services exceeds limit of %d", len(services), MaxDescribeServices))
	}
	ids := make([]string, len(services))
	for i, s := range services {
		ids[i] = s.ID
	}

	if err := orchestrator.Throttle(ctx, c.opts.Limiter, orchestrator.OpDescribeServices); err != nil {
		return nil, err
	}
	resp, err := c.api.DescribeServices(ctx, &awsecs.DescribeServicesInput{
		Cluster:  aws.String(cluster.ID),
		Services: ids,
	})
	if err != nil {
		return nil, Classify(orchestrator.OpDescribeServices, err)
	}
	logFailures(orchestrator.OpDescribeServices, cluster, resp.Failures)

	out := make([]store.ServiceObservation, 0, len(resp.Services))
	for _, s := range resp.Services {
		out = append(out, ServiceToObservation(s))
	}
	return out, nil
}

// ListTasks lists the tasks that belong to a service.
func (c *Client) ListTasks(ctx context.Context, cluster store.ClusterRef, service store.ServiceRef) ([]store.TaskRef, error) {
	statuses := []ecstypes.DesiredStatus{ecstypes.DesiredStatusRunning}
	if c.opts.IncludeStopped {
		statuses = append(statuses, ecstypes.DesiredStatusStopped)
	}

	var out []store.TaskRef
	for _, status := range statuses {
		p := awsecs.NewListTasksPaginator(c.api, &awsecs.ListTasksInput{
			Cluster:       aws.String(cluster.ID),
			ServiceName:   aws.String(service.Name),
			DesiredStatus: status,
			MaxResults:    aws.Int32(listPageSize),
		})
		for p.HasMorePages() {
			if err := orchestrator.Throttle(ctx, c.opts.Limiter, orchestrator.OpListTasks); err != nil {
				return nil, err
			}
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, Classify(orchestrator.OpListTasks, err)
			}
			for _, arn := range page.TaskArns {
				out = append(out, store.TaskRef(arn))
			}
		}
	}
	return out, nil
}

// DescribeTasks describes up to MaxDescribeTasks tasks.
func (c *Client) DescribeTasks(ctx context.Context, cluster store.ClusterRef, tasks []store.TaskRef) ([]store.TaskObservation, error) {
	if len(tasks) > MaxDescribeTasks {
		return nil, orchestrator.NewPermanent(orchestrator.OpDescribeTasks, "InvalidParameterException",
			fmt.Errorf("batch of %d tasks exceeds limit of %d", len(tasks), MaxDescribeTasks))
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = string(t)
	}

	if err := orchestrator.Throttle(ctx, c.opts.Limiter, orchestrator.OpDescribeTasks); err != nil {
		return nil, err
	}
	resp, err := c.api.DescribeTasks(ctx, &awsecs.DescribeTasksInput{
		Cluster: aws.String(cluster.ID),
		Tasks:   ids,
	})
	if err != nil {
		return nil, Classify(orchestrator.OpDescribeTasks, err)
	}
	logFailures(orchestrator.OpDescribeTasks, cluster, resp.Failures)

	out := make([]store.TaskObservation, 0, len(resp.Tasks))
	for _, t := range resp.Tasks {
		out = append(out, TaskToObservation(t))
	}
	return out, nil
}

// ServiceToObservation converts an ECS service description.
func ServiceToObservation(s ecstypes.Service) store.ServiceObservation {
	obs := store.ServiceObservation{
		Service:      store.ServiceRef{ID: aws.ToString(s.ServiceArn), Name: aws.ToString(s.ServiceName)},
		Status:       aws.ToString(s.Status),
		LaunchType:   string(s.LaunchType),
		DesiredCount: int(s.DesiredCount),
		RunningCount: int(s.RunningCount),
		PendingCount: int(s.PendingCount),
		Deployments:  len(s.Deployments),
	}
	if obs.Service.Name == "" {
		obs.Service.Name = nameFromARN(obs.Service.ID)
	}
	if obs.LaunchType == "" && len(s.CapacityProviderStrategy) > 0 {
		obs.LaunchType = "CAPACITY_PROVIDER"
	}
	for _, d := range s.Deployments {
		if aws.ToString(d.Status) == "PRIMARY" {
			obs.DeploymentStatus = string(d.RolloutState)
			break
		}
	}
	return obs
}

// TaskToObservation converts an ECS task description.
func TaskToObservation(t ecstypes.Task) store.TaskObservation {
	obs := store.TaskObservation{
		ID:                  store.TaskRef(aws.ToString(t.TaskArn)),
		LastStatus:          aws.ToString(t.LastStatus),
		DesiredStatus:       aws.ToString(t.DesiredStatus),
		HealthStatus:        string(t.HealthStatus),
		CPUReservedCores:    parseCPU(aws.ToString(t.Cpu)),
		MemoryReservedBytes: parseMemory(aws.ToString(t.Memory)),
		StoppedReason:       aws.ToString(t.StoppedReason),
		StopCode:            string(t.StopCode),
		LaunchType:          string(t.LaunchType),
		AvailabilityZone:    aws.ToString(t.AvailabilityZone),
	}
	if obs.HealthStatus == "" {
		obs.HealthStatus = string(ecstypes.HealthStatusUnknown)
	}
	if t.StartedAt != nil {
		obs.StartedAt = *t.StartedAt
	}
	return obs
}

// parseCPU converts an ECS CPU value ("256" units or "0.25 vCPU") to cores.
func parseCPU(v string) float64 {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return 0
	}
	if strings.HasSuffix(v, "vcpu") {
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(v, "vcpu")), 64)
		if err != nil {
			return 0
		}
		return f
	}
	units, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return units / 1024
}

// parseMemory converts an ECS memory value ("512" MiB or "2 GB") to bytes.
func parseMemory(v string) float64 {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return 0
	}
	if strings.HasSuffix(v, "gb") {
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(v, "gb")), 64)
		if err != nil {
			return 0
		}
		return f * (1 << 30)
	}
	mib, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(v, "mb")), 64)
	if err != nil {
		return 0
	}
	return mib * (1 << 20)
}

// nameFromARN returns the last path segment of an ECS ARN
// (arn:aws:ecs:region:account:service/cluster/name -> name).
// Plain names are returned unchanged.
func nameFromARN(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 && i < len(arn)-1 {
		return arn[i+1:]
	}
	return arn
}

func logFailures(op string, cluster store.ClusterRef, failures []ecstypes.Failure) {
	for _, f := range failures {
		slog.Debug("ECS describe reported a failure",
			"op", op,
			"cluster", cluster.Name,
			"arn", aws.ToString(f.Arn),
			"reason", aws.ToString(f.Reason),
			"detail", aws.ToString(f.Detail),
		)
	}
}
