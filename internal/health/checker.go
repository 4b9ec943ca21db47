// Package health aggregates the health of the gateway's dependencies: the
// ledger database, the completion provider and the optional Redis.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of one check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is a checked dependency.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database, upstream, cache
	CheckResult
}

// Pinger is implemented by the SQL ledger stores.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Upstream reports the provider health as the gateway sees it.
type Upstream interface {
	CheckHealth(ctx context.Context) bool
}

// Config holds health checker configuration. Nil dependencies are skipped.
type Config struct {
	LedgerDB Pinger
	Upstream Upstream
	Redis    goredis.UniversalClient

	Timeout    time.Duration // per check (default 2s)
	MaxLatency time.Duration // slower answers are degraded (default 250ms)
}

// Checker performs health checks on the configured components.
type Checker struct {
	ledgerDB   Pinger
	upstream   Upstream
	redis      goredis.UniversalClient
	timeout    time.Duration
	maxLatency time.Duration

	mu         sync.RWMutex
	components []Component
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = 250 * time.Millisecond
	}
	return &Checker{
		ledgerDB:   cfg.LedgerDB,
		upstream:   cfg.Upstream,
		redis:      cfg.Redis,
		timeout:    cfg.Timeout,
		maxLatency: cfg.MaxLatency,
	}
}

// Check runs every check concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, 3)

	if c.ledgerDB != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkPing(ctx, "ledger_db", "database", c.ledgerDB.PingContext)
		}()
	}
	if c.redis != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkPing(ctx, "redis", "cache", func(ctx context.Context) error {
				return c.redis.Ping(ctx).Err()
			})
		}()
	}
	if c.upstream != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkUpstream(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, 3)
	for comp := range results {
		components = append(components, comp)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return overall(components)
}

func (c *Checker) checkPing(ctx context.Context, name, typ string, ping func(context.Context) error) Component {
	comp := Component{Name: name, Type: typ, CheckResult: CheckResult{Timestamp: time.Now()}}
	pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := ping(pingCtx)
	comp.Latency = time.Since(start)
	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "unreachable"
		if errors.Is(err, context.DeadlineExceeded) {
			comp.Message = "timed out"
		}
	case comp.Latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("high latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "connected"
	}
	return comp
}

// checkUpstream uses the gateway's debounced health state, so frequent health
// requests do not multiply provider probes.
func (c *Checker) checkUpstream(ctx context.Context) Component {
	comp := Component{Name: "upstream", Type: "upstream", CheckResult: CheckResult{Timestamp: time.Now()}}
	start := time.Now()
	healthy := c.upstream.CheckHealth(ctx)
	comp.Latency = time.Since(start)
	if healthy {
		comp.Status = StatusHealthy
		comp.Message = "provider reachable"
	} else {
		comp.Status = StatusUnhealthy
		comp.Message = "provider unhealthy, generation serves fallbacks"
	}
	return comp
}

// overall is unhealthy when the ledger database is down and degraded when
// any other component is not healthy.
func overall(components []Component) HealthStatus {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Type == "database" {
				status = StatusUnhealthy
			} else if status == StatusHealthy {
				status = StatusDegraded
			}
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return HealthStatus{Status: status, Timestamp: time.Now(), Components: components}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// LastStatus returns the result of the last Check.
func (c *Checker) LastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.components) == 0 {
		return HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}
	}
	return overall(c.components)
}
