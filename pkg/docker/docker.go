// Package docker reads the local Docker host: per-task resource usage from
// container stats, and the container metrics relay.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Container labels set by the ECS agent and the kubelet.
const (
	LabelECSTaskARN       = "com.amazonaws.ecs.task-arn"
	LabelECSContainerName = "com.amazonaws.ecs.container-name"
	LabelPodNamespace     = "io.kubernetes.pod.namespace"
	LabelPodName          = "io.kubernetes.pod.name"
)

// ContainerAPI is the subset of the Docker client API used by this package.
type ContainerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// NewClient creates a Docker client from the environment (DOCKER_HOST etc.)
// and checks that the daemon answers.
func NewClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("pinging docker daemon: %w", err)
	}
	return cli, nil
}
