package ecs

import (
	"context"
	"errors"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/kanzifucius/svc-tracker/pkg/orchestrator"
)

// transientCodes are AWS error codes that are worth retrying.
var transientCodes = map[string]bool{
	"ThrottlingException":                    true,
	"Throttling":                             true,
	"ThrottledException":                     true,
	"TooManyRequestsException":               true,
	"RequestLimitExceeded":                   true,
	"RequestThrottled":                       true,
	"ProvisionedThroughputExceededException": true,
	"ServerException":                        true,
	"ServiceUnavailableException":            true,
	"ServiceUnavailable":                     true,
	"InternalFailure":                        true,
	"InternalError":                          true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
}

// Classify wraps an ECS SDK error as an *orchestrator.Error.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if transientCodes[code] || apiErr.ErrorFault() == smithy.FaultServer {
			return orchestrator.NewTransient(op, code, err)
		}
		return orchestrator.NewPermanent(op, code, err)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return orchestrator.NewTransient(op, http.StatusText(status), err)
		}
		return orchestrator.NewPermanent(op, http.StatusText(status), err)
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

	return orchestrator.NewPermanent(op, "", err)
}
