package engine

import (
	"context"
	"time"
)

// DefaultTimeout is the default per-resource operation timeout.
const DefaultTimeout = 30 * time.Minute

// providerContext returns the context a provider call runs under. It keeps
// ctx's values but not its cancellation, so an operation already started
// is allowed to finish within its timeout.
func providerContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
