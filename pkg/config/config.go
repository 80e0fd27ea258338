// Package config loads and validates exporter configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Orchestrator backends.
const (
	OrchestratorECS        = "ecs"
	OrchestratorKubernetes = "kubernetes"
)

// Config holds all runtime configuration for the exporter.
type Config struct {
	// Orchestrator selects the control plane adapter: "ecs" or "kubernetes".
	Orchestrator string

	// PollIntervalSeconds is the number of seconds between polling cycles.
	PollIntervalSeconds int

	// DescribeBatchSize is the number of services per describe call.
	DescribeBatchSize int

	// TaskBatchSize is the number of tasks per describe call.
	TaskBatchSize int

	// RateLimitPerSecond and RateLimitBurst configure the token bucket shared
	// by every control plane call in a cycle.
	RateLimitPerSecond float64
	RateLimitBurst     int

	// Workers bounds the number of clusters described concurrently.
	Workers int

	// MaxAttempts is the number of attempts per API call, including the first.
	MaxAttempts int

	// RetryInitialBackoff and RetryMaxBackoff bound the exponential backoff
	// between attempts.
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	// ClusterDeadline bounds the work spent on a single cluster.
	ClusterDeadline time.Duration

	// CycleDeadline bounds a whole polling cycle. Always below the poll interval.
	CycleDeadline time.Duration

	// StalenessThreshold is how old the current snapshot may get before the
	// health endpoint reports unhealthy.
	StalenessThreshold time.Duration

	// MetricsAddr is the listen address for the scrape server.
	MetricsAddr string

	// ManagementAddr is the listen address for health and debug endpoints.
	// Empty mounts them on the scrape server.
	ManagementAddr string

	// LogLevel is the minimum slog level.
	LogLevel slog.Level

	// AWSRegion is the region for the ECS client.
	AWSRegion string

	// ECSEndpoint is an optional custom ECS endpoint URL (LocalStack etc.).
	ECSEndpoint string

	// ECSClusters restricts discovery to these clusters. Empty means all.
	ECSClusters []string

	// IncludeStoppedTasks also describes tasks whose desired status is STOPPED.
	IncludeStoppedTasks bool

	// KubeContexts lists the kubeconfig contexts to poll, one cluster each.
	// Empty means in-cluster config or the current context.
	KubeContexts []string

	// Namespaces restricts Kubernetes discovery to these namespaces. Empty means all.
	Namespaces []string

	// KubeClusterName names the cluster when KubeContexts is empty.
	KubeClusterName string

	// DockerEnabled turns on the local Docker host sources.
	DockerEnabled bool

	// ContainerMetricsLabel is the container label that opts a container
	// into the metrics relay. Empty disables the relay.
	ContainerMetricsLabel string

	// StoreBackend selects the snapshot archive backend.
	// Valid values: "memory" (default, no persistence), "s3".
	StoreBackend string

	// S3Bucket is the S3 bucket for archived snapshots. Required when StoreBackend is "s3".
	S3Bucket string

	// S3KeyPrefix is the key prefix for S3 snapshots. Default: "svc-tracker".
	S3KeyPrefix string

	// S3Region is the AWS region for the S3 client. Default: "us-east-1".
	S3Region string

	// S3Endpoint is an optional custom S3 endpoint URL (for MinIO, LocalStack, etc.).
	S3Endpoint string
}

const (
	defaultPollInterval        = 30
	defaultDescribeBatchSize   = 10
	defaultTaskBatchSize       = 100
	defaultRateLimitPerSecond  = 20
	defaultRateLimitBurst      = 5
	defaultWorkers             = 4
	defaultMaxAttempts         = 3
	defaultRetryInitialBackoff = 200 * time.Millisecond
	defaultRetryMaxBackoff     = 5 * time.Second
	defaultClusterDeadline     = 20 * time.Second
	defaultMetricsAddr         = ":9555"
	defaultManagementAddr      = ":9556"
	defaultAWSRegion           = "us-east-1"
	defaultKubeClusterName     = "in-cluster"
	defaultStoreBackend        = "memory"
	defaultS3KeyPrefix         = "svc-tracker"
	defaultS3Region            = "us-east-1"

	// ECS API limits for the describe calls.
	maxECSDescribeServices = 10
	maxECSDescribeTasks    = 100
)

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Load reads configuration from environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		Orchestrator:        OrchestratorECS,
		PollIntervalSeconds: defaultPollInterval,
		DescribeBatchSize:   defaultDescribeBatchSize,
		TaskBatchSize:       defaultTaskBatchSize,
		RateLimitPerSecond:  defaultRateLimitPerSecond,
		RateLimitBurst:      defaultRateLimitBurst,
		Workers:             defaultWorkers,
		MaxAttempts:         defaultMaxAttempts,
		RetryInitialBackoff: defaultRetryInitialBackoff,
		RetryMaxBackoff:     defaultRetryMaxBackoff,
		MetricsAddr:         defaultMetricsAddr,
		ManagementAddr:      defaultManagementAddr,
		LogLevel:            slog.LevelInfo,
		AWSRegion:           defaultAWSRegion,
		KubeClusterName:     defaultKubeClusterName,
		StoreBackend:        defaultStoreBackend,
		S3KeyPrefix:         defaultS3KeyPrefix,
		S3Region:            defaultS3Region,
	}

	// Optional: ORCHESTRATOR
	if v := os.Getenv("ORCHESTRATOR"); v != "" {
		cfg.Orchestrator = strings.ToLower(v)
	}
	switch cfg.Orchestrator {
	case OrchestratorECS, OrchestratorKubernetes:
		// valid
	default:
		return nil, fmt.Errorf("ORCHESTRATOR must be %q or %q, got %q", OrchestratorECS, OrchestratorKubernetes, cfg.Orchestrator)
	}

	var err error
	if cfg.PollIntervalSeconds, err = positiveInt("POLL_INTERVAL_SECONDS", cfg.PollIntervalSeconds); err != nil {
		return nil, err
	}
	if cfg.DescribeBatchSize, err = positiveInt("DESCRIBE_BATCH_SIZE", cfg.DescribeBatchSize); err != nil {
		return nil, err
	}
	if cfg.TaskBatchSize, err = positiveInt("TASK_BATCH_SIZE", cfg.TaskBatchSize); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = positiveInt("RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return nil, err
	}
	if cfg.Workers, err = positiveInt("WORKERS", cfg.Workers); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = positiveInt("MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return nil, err
	}

	// Optional: RATE_LIMIT_PER_SECOND
	if v := os.Getenv("RATE_LIMIT_PER_SECOND"); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil || f <= 0 {
			return nil, fmt.Errorf("RATE_LIMIT_PER_SECOND must be a positive number, got %q", v)
		}
		cfg.RateLimitPerSecond = f
	}

	if cfg.RetryInitialBackoff, err = positiveDuration("RETRY_INITIAL_BACKOFF_MS", time.Millisecond, cfg.RetryInitialBackoff); err != nil {
		return nil, err
	}
	if cfg.RetryMaxBackoff, err = positiveDuration("RETRY_MAX_BACKOFF_MS", time.Millisecond, cfg.RetryMaxBackoff); err != nil {
		return nil, err
	}
	if cfg.RetryMaxBackoff < cfg.RetryInitialBackoff {
		return nil, fmt.Errorf("RETRY_MAX_BACKOFF_MS must not be below RETRY_INITIAL_BACKOFF_MS")
	}

	// Deadlines. The cycle deadline defaults to five sixths of the poll
	// interval so a cycle always ends before the next tick.
	poll := cfg.PollInterval()
	cfg.CycleDeadline = poll * 5 / 6
	if cfg.CycleDeadline, err = positiveDuration("CYCLE_DEADLINE_SECONDS", time.Second, cfg.CycleDeadline); err != nil {
		return nil, err
	}
	if cfg.CycleDeadline >= poll {
		return nil, fmt.Errorf("CYCLE_DEADLINE_SECONDS (%s) must be below POLL_INTERVAL_SECONDS (%s)", cfg.CycleDeadline, poll)
	}
	cfg.ClusterDeadline = min(defaultClusterDeadline, cfg.CycleDeadline)
	if cfg.ClusterDeadline, err = positiveDuration("CLUSTER_DEADLINE_SECONDS", time.Second, cfg.ClusterDeadline); err != nil {
		return nil, err
	}
	if cfg.ClusterDeadline > cfg.CycleDeadline {
		return nil, fmt.Errorf("CLUSTER_DEADLINE_SECONDS (%s) must not exceed the cycle deadline (%s)", cfg.ClusterDeadline, cfg.CycleDeadline)
	}
	if cfg.StalenessThreshold, err = positiveDuration("STALENESS_THRESHOLD_SECONDS", time.Second, 3*poll); err != nil {
		return nil, err
	}

	// Optional: METRICS_ADDR
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	// Optional: MANAGEMENT_ADDR. Set but empty means "share the scrape server".
	if v, ok := os.LookupEnv("MANAGEMENT_ADDR"); ok {
		cfg.ManagementAddr = v
	}

	// Optional: LOG_LEVEL
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if uerr := cfg.LogLevel.UnmarshalText([]byte(v)); uerr != nil {
			return nil, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", v)
		}
	}

	// ECS adapter.
	if v := os.Getenv("AWS_REGION_NAME"); v != "" {
		cfg.AWSRegion = v
	}
	cfg.ECSEndpoint = os.Getenv("ECS_ENDPOINT")
	if v := os.Getenv("ECS_CLUSTERS"); v != "" {
		cfg.ECSClusters = splitAndTrim(v)
	}
	if cfg.IncludeStoppedTasks, err = boolEnv("INCLUDE_STOPPED_TASKS"); err != nil {
		return nil, err
	}
	if cfg.Orchestrator == OrchestratorECS {
		if cfg.DescribeBatchSize > maxECSDescribeServices {
			return nil, fmt.Errorf("DESCRIBE_BATCH_SIZE must be at most %d for ECS, got %d", maxECSDescribeServices, cfg.DescribeBatchSize)
		}
		if cfg.TaskBatchSize > maxECSDescribeTasks {
			return nil, fmt.Errorf("TASK_BATCH_SIZE must be at most %d for ECS, got %d", maxECSDescribeTasks, cfg.TaskBatchSize)
		}
	}

	// Kubernetes adapter.
	if v := os.Getenv("KUBE_CONTEXTS"); v != "" {
		cfg.KubeContexts = splitAndTrim(v)
	}
	if ns := os.Getenv("KUBE_NAMESPACE_SCOPE"); ns != "" {
		cfg.Namespaces = splitAndTrim(ns)
	}
	if v := os.Getenv("KUBE_CLUSTER_NAME"); v != "" {
		cfg.KubeClusterName = v
	}

	// Docker host sources.
	if cfg.DockerEnabled, err = boolEnv("DOCKER_ENABLED"); err != nil {
		return nil, err
	}
	cfg.ContainerMetricsLabel = os.Getenv("CONTAINER_METRICS_LABEL")

	// Optional: STORE_BACKEND
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = v
	}
	switch cfg.StoreBackend {
	case "memory", "s3":
		// valid
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be \"memory\" or \"s3\", got %q", cfg.StoreBackend)
	}

	// S3 configuration (required when STORE_BACKEND=s3, ignored otherwise).
	cfg.S3Bucket = os.Getenv("S3_BUCKET")
	if v := os.Getenv("S3_KEY_PREFIX"); v != "" {
		cfg.S3KeyPrefix = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.S3Region = v
	}
	cfg.S3Endpoint = os.Getenv("S3_ENDPOINT")

	if cfg.StoreBackend == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required when STORE_BACKEND=s3")
	}

	// Validate S3 key prefix.
	if strings.Contains(cfg.S3KeyPrefix, "..") {
		return nil, fmt.Errorf("S3_KEY_PREFIX must not contain '..', got %q", cfg.S3KeyPrefix)
	}
	cfg.S3KeyPrefix = strings.Trim(cfg.S3KeyPrefix, "/")
	if cfg.S3KeyPrefix == "" {
		cfg.S3KeyPrefix = defaultS3KeyPrefix
	}

	return cfg, nil
}

// positiveInt reads an optional positive integer variable.
func positiveInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, v)
	}
	return n, nil
}

// positiveDuration reads an optional positive integer variable in the given unit.
func positiveDuration(name string, unit, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, v)
	}
	return time.Duration(n) * unit, nil
}

func boolEnv(name string) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", name, v)
	}
	return b, nil
}

// splitAndTrim splits s by comma and trims whitespace from each part,
// discarding empty entries.
func splitAndTrim(s string) []string {
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}
