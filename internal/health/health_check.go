package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger is any backend the checker probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult represents the result of a health check.
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker periodically probes the storage backends behind the resource
// store and the job store.
type HealthChecker struct {
	targets  map[string]Pinger
	interval time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	checks      map[string]CheckResult
	readinessOK bool
}

// NewHealthChecker creates a new health checker over the named targets.
func NewHealthChecker(targets map[string]Pinger, interval time.Duration, logger *zap.Logger) *HealthChecker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		targets:  targets,
		interval: interval,
		logger:   logger,
		checks:   make(map[string]CheckResult),
	}
}

// Start runs the periodic checks until ctx is canceled.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.runChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.runChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

func (h *HealthChecker) runChecks(ctx context.Context) {
	results := make(map[string]CheckResult, len(h.targets))
	ready := true
	for name, target := range h.targets {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := target.Ping(checkCtx)
		cancel()

		result := CheckResult{Name: name, Status: "healthy", Timestamp: time.Now()}
		if err != nil {
			result.Status = "critical"
			result.Message = err.Error()
			ready = false
		}
		results[name] = result
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	h.checks = results
	h.readinessOK = ready
	h.mu.Unlock()

	h.logger.Debug("Health check completed", zap.Bool("readiness", ready))
}

// Ready reports whether every backend answered its last probe.
func (h *HealthChecker) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// Checks returns a snapshot of the latest check results.
func (h *HealthChecker) Checks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		out[k] = v
	}
	return out
}
