package kube

import (
	"context"
	"errors"
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/kanzifucius/svc-tracker/pkg/orchestrator"
)

// Classify wraps a Kubernetes API error as an *orchestrator.Error.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	reason := string(apierrors.ReasonForError(err))
	switch {
	case apierrors.IsTooManyRequests(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsInternalError(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsUnexpectedServerError(err):
		return orchestrator.NewTransient(op, reason, err)
	case apierrors.IsUnauthorized(err),
		apierrors.IsForbidden(err),
		apierrors.IsNotFound(err),
		apierrors.IsBadRequest(err),
		apierrors.IsInvalid(err):
		return orchestrator.NewPermanent(op, reason, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return orchestrator.NewTransient(op, "Timeout", err)
	}
	if errors.Is(err, context.Canceled) {
		return orchestrator.NewPermanent(op, "Canceled", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return orchestrator.NewTransient(op, "NetworkError", err)
	}

	return orchestrator.NewPermanent(op, reason, err)
}
