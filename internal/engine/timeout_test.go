package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProviderContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())

	// Default timeout
	ctx, done := providerContext(parent, 0)
	defer done()
	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(DefaultTimeout), deadline, time.Minute)

	// Custom timeout
	ctx2, done2 := providerContext(parent, 5*time.Second)
	defer done2()
	deadline2, ok := ctx2.Deadline()
	assert.True(t, ok)
	assert.True(t, deadline2.Before(time.Now().Add(10*time.Second)))

	// Cancelling the run does not cancel the provider call.
	cancel()
	assert.NoError(t, ctx.Err())
	assert.NoError(t, ctx2.Err())
}
