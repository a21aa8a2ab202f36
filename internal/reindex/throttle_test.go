package reindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottle_RateLimitedShrinksBatch(t *testing.T) {
	th := NewThrottle(100, nil)

	batch, delay := th.Next()
	assert.Equal(t, 100, batch)
	assert.Equal(t, time.Duration(0), delay)

	th.ObserveRateLimited()
	batch, delay = th.Next()
	assert.Equal(t, 50, batch)
	assert.Equal(t, baseDelay, delay)

	// Repeated pressure bottoms out at the floor and the delay ceiling.
	for i := 0; i < 20; i++ {
		th.ObserveRateLimited()
	}
	batch, delay = th.Next()
	assert.Equal(t, minBatchSize, batch)
	assert.Equal(t, maxDelay, delay)
}

func TestThrottle_SuccessDecaysBackToDefaults(t *testing.T) {
	th := NewThrottle(100, nil)
	for i := 0; i < 4; i++ {
		th.ObserveRateLimited()
	}

	// Batch is back at 100 after 4 successes; the 4s delay needs 12
	// halvings to drop below 1ms and snap to 0.
	for i := 0; i < 12; i++ {
		th.ObserveSuccess()
	}
	batch, delay := th.Next()
	assert.Equal(t, 100, batch)
	assert.Equal(t, time.Duration(0), delay)
}

func TestThrottle_FloorsTinyDefault(t *testing.T) {
	th := NewThrottle(1, nil)
	batch, _ := th.Next()
	assert.Equal(t, minBatchSize, batch)
}
