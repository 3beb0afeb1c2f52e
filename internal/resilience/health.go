package resilience

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// severity orders statuses from best to worst.
func (s HealthStatus) severity() int {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	case HealthStatusUnknown:
		return 2
	default:
		return 3
	}
}

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the result of one round of checks.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	CheckedAt  time.Time         `json:"checked_at"`
	Components []ComponentHealth `json:"components"`
}

// HealthChecker runs registered component checks concurrently.
type HealthChecker struct {
	mu      sync.RWMutex
	order   []string
	checks  map[string]HealthCheck
	timeout time.Duration
}

// NewHealthChecker creates a checker. Each round is bounded by timeout.
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HealthChecker{
		checks:  make(map[string]HealthCheck),
		timeout: timeout,
	}
}

// Register adds a check. Components are reported in registration order.
func (h *HealthChecker) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.checks[name]; !ok {
		h.order = append(h.order, name)
	}
	h.checks[name] = check
}

// CheckAll runs every check and reports the worst status as the overall one.
// A panicking check is reported unhealthy.
func (h *HealthChecker) CheckAll(ctx context.Context) SystemHealth {
	h.mu.RLock()
	order := slices.Clone(h.order)
	checks := make([]HealthCheck, len(order))
	for i, name := range order {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]ComponentHealth, len(order))
	var g errgroup.Group
	for i := range order {
		g.Go(func() error {
			results[i] = runCheck(ctx, order[i], checks[i])
			return nil
		})
	}
	_ = g.Wait()

	overall := HealthStatusHealthy
	for _, r := range results {
		if r.Status.severity() > overall.severity() {
			overall = r.Status
		}
	}
	return SystemHealth{Status: overall, CheckedAt: time.Now(), Components: results}
}

func runCheck(ctx context.Context, name string, check HealthCheck) (health ComponentHealth) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			health = ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("check panicked: %v", r),
			}
		}
		health.Name = name
		health.LastCheck = time.Now()
		if health.Latency == 0 {
			health.Latency = time.Since(start)
		}
	}()
	return check(ctx)
}

// DatabaseHealthCheck creates a health check for database connections.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		var health ComponentHealth

		start := time.Now()
		err := ping(ctx)
		health.Latency = time.Since(start)

		if err != nil {
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("Database ping failed: %v", err)
			return health
		}

		if health.Latency > 500*time.Millisecond {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Database slow: %v", health.Latency.Round(time.Millisecond))
			return health
		}

		health.Status = HealthStatusHealthy
		health.Message = fmt.Sprintf("Database healthy: %v", health.Latency.Round(time.Millisecond))
		return health
	}
}

// APIHealthCheck creates a health check for external API connections.
func APIHealthCheck(check func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		var health ComponentHealth

		start := time.Now()
		err := check(ctx)
		health.Latency = time.Since(start)

		if err != nil {
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("API check failed: %v", err)
			return health
		}

		if health.Latency > 2*time.Second {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("API slow: %v", health.Latency.Round(time.Millisecond))
			return health
		}

		health.Status = HealthStatusHealthy
		health.Message = fmt.Sprintf("API healthy: %v", health.Latency.Round(time.Millisecond))
		return health
	}
}

// BreakerHealthCheck reports degraded while any breaker is not closed and
// unhealthy once all of them are open.
func BreakerHealthCheck(stats func() []CircuitBreakerStats) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		all := stats()
		if len(all) == 0 {
			return ComponentHealth{Status: HealthStatusHealthy, Message: "No calls yet"}
		}

		var open, halfOpen []string
		for _, s := range all {
			switch s.State {
			case CircuitOpen:
				open = append(open, s.Name)
			case CircuitHalfOpen:
				halfOpen = append(halfOpen, s.Name)
			}
		}

		switch {
		case len(open) == len(all):
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: "All breakers open"}
		case len(open) > 0 || len(halfOpen) > 0:
			return ComponentHealth{
				Status:  HealthStatusDegraded,
				Message: fmt.Sprintf("Open: %s", strings.Join(append(open, halfOpen...), ", ")),
			}
		default:
			return ComponentHealth{Status: HealthStatusHealthy, Message: fmt.Sprintf("%d breakers closed", len(all))}
		}
	}
}
