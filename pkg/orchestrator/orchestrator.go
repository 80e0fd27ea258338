// Package orchestrator defines the boundary between the snapshot builder and
// the container orchestration control plane.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// API is the set of discovery and describe calls the builder needs from a
// control plane. Every returned error must be an *Error so the builder's
// retry policy can key on its Kind.
type API interface {
	ListClusters(ctx context.Context) ([]store.ClusterRef, error)
	ListServices(ctx context.Context, cluster store.ClusterRef) ([]store.ServiceRef, error)
	DescribeServices(ctx context.Context, cluster store.ClusterRef, services []store.ServiceRef) ([]store.ServiceObservation, error)
	ListTasks(ctx context.Context, cluster store.ClusterRef, service store.ServiceRef) ([]store.TaskRef, error)
	DescribeTasks(ctx context.Context, cluster store.ClusterRef, tasks []store.TaskRef) ([]store.TaskObservation, error)
}

// Operation names used in errors, logs and metrics.
const (
	OpListClusters     = "ListClusters"
	OpListServices     = "ListServices"
	OpDescribeServices = "DescribeServices"
	OpListTasks        = "ListTasks"
	OpDescribeTasks    = "DescribeTasks"
)

// Kind classifies remote API errors for retry purposes.
type Kind int

const (
	// Permanent errors (auth, not found, malformed) are never retried.
	Permanent Kind = iota
	// Transient errors (throttling, 5xx, timeouts) are retried with backoff.
	Transient
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return store.ErrorKindTransient
	default:
		return store.ErrorKindPermanent
	}
}

// Error is a classified remote API error.
type Error struct {
	Kind Kind
	Op   string
	Code string // provider error code, e.g. ThrottlingException or NotFound
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient wraps err as a transient error.
func NewTransient(op, code string, err error) *Error {
	return &Error{Kind: Transient, Op: op, Code: code, Err: err}
}

// NewPermanent wraps err as a permanent error.
func NewPermanent(op, code string, err error) *Error {
	return &Error{Kind: Permanent, Op: op, Code: code, Err: err}
}

// IsTransient reports whether err is, or wraps, a transient *Error.
func IsTransient(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == Transient
}

// KindOf returns the Kind of err. Errors that are not classified are
// treated as permanent.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return Permanent
}
