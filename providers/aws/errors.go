package aws

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/picklr-io/deckhand/pkg/provider"
)

// isNotFound reports whether err means the object is already gone, which
// makes deletes idempotent.
func isNotFound(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	code := ae.ErrorCode()
	switch code {
	case "NoSuchEntity", "ResourceNotFoundException", "NatGatewayNotFound":
		return true
	}
	return strings.HasSuffix(code, ".NotFound")
}

// isRetryable reports whether an AWS call may succeed when repeated:
// throttling, objects that still have dependents being torn down, and
// IAM roles that are not yet visible to the service assuming them.
func isRetryable(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequestsException",
			"DependencyViolation", "ResourceInUseException", "ServiceUnavailable", "InternalError":
			return true
		case "InvalidParameterException":
			// EKS rejects a freshly created role until IAM has propagated it.
			return strings.Contains(ae.ErrorMessage(), "assume")
		}
		return false
	}
	return provider.IsTransientError(err)
}
