package reindex

import (
	"sync"
	"time"

	"github.com/jyotsnaravikumar/fhir-server/internal/metrics"
)

const (
	minBatchSize = 10
	maxDelay     = 30 * time.Second
	baseDelay    = 500 * time.Millisecond
)

// Throttle is the oracle consulted before each reindex batch. Rate-limited
// backend responses shrink the batch and grow the delay; successful batches
// decay both back toward their defaults.
type Throttle struct {
	mu           sync.Mutex
	defaultBatch int
	batch        int
	delay        time.Duration
	metrics      *metrics.Metrics
}

// NewThrottle creates a throttle starting at the configured default batch
// size with no delay.
func NewThrottle(defaultBatchSize int, m *metrics.Metrics) *Throttle {
	if defaultBatchSize < minBatchSize {
		defaultBatchSize = minBatchSize
	}
	return &Throttle{
		defaultBatch: defaultBatchSize,
		batch:        defaultBatchSize,
		metrics:      m,
	}
}

// Next returns the batch size and the delay to honor before the next batch.
func (t *Throttle) Next() (int, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publish()
	return t.batch, t.delay
}

// ObserveRateLimited feeds a rate-limited backend response into the oracle.
func (t *Throttle) ObserveRateLimited() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batch = t.batch / 2
	if t.batch < minBatchSize {
		t.batch = minBatchSize
	}
	if t.delay == 0 {
		t.delay = baseDelay
	} else {
		t.delay *= 2
		if t.delay > maxDelay {
			t.delay = maxDelay
		}
	}
	t.publish()
}

// ObserveSuccess decays the throttle back toward its defaults.
func (t *Throttle) ObserveSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batch *= 2
	if t.batch > t.defaultBatch {
		t.batch = t.defaultBatch
	}
	t.delay /= 2
	if t.delay < time.Millisecond {
		t.delay = 0
	}
	t.publish()
}

func (t *Throttle) publish() {
	if t.metrics == nil {
		return
	}
	t.metrics.ReindexBatchSize.Set(float64(t.batch))
	t.metrics.ReindexThrottleDelay.Set(t.delay.Seconds())
}
