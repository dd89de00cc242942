package observability

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck is a function that checks component health.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Latency     time.Duration   `json:"latency_ms"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth is the aggregate health of the entire system.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     time.Duration              `json:"uptime"`
}

// Alert represents a health-related alert.
type Alert struct {
	Level     string    `json:"level"`     // info|warn|critical
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// ProgressCheck turns a worker's last-progress timestamp into a health
// check. A worker that never progressed is unhealthy, which keeps the
// process out of ready; one that stopped progressing for maxAge is degraded.
func ProgressCheck(last func() time.Time, maxAge time.Duration) HealthCheck {
	return func(context.Context) ComponentHealth {
		at := last()
		if at.IsZero() {
			return ComponentHealth{Status: StatusUnhealthy, Message: "no progress yet"}
		}
		age := time.Since(at)
		h := ComponentHealth{Status: StatusHealthy, Details: map[string]any{"last_progress_at": at}}
		if maxAge > 0 && age > maxAge {
			h.Status = StatusDegraded
			h.Message = "stalled for " + age.Round(time.Second).String()
		}
		return h
	}
}

// PingCheck reports a dependency as unhealthy while ping fails.
func PingCheck(ping func(ctx context.Context) error, timeout time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// HealthMonitor runs every registered check on an interval and keeps the
// latest result per component. Checks run in parallel, each bounded by
// checkTimeout, so one hung dependency cannot stall the probe.
type HealthMonitor struct {
	mu       sync.RWMutex
	checks   map[string]HealthCheck
	results  map[string]ComponentHealth
	started  time.Time
	interval time.Duration
	timeout  time.Duration
	alertCh  chan Alert
	stopCh   chan struct{}
	stopped  sync.Once
	now      func() time.Time
}

const defaultCheckTimeout = 5 * time.Second

// NewHealthMonitor creates a monitor that re-checks every interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		checks:   make(map[string]HealthCheck),
		results:  make(map[string]ComponentHealth),
		started:  time.Now(),
		interval: interval,
		timeout:  defaultCheckTimeout,
		alertCh:  make(chan Alert, 64),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Register adds a named check. Registering a name twice replaces it.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Start checks immediately and then on every tick until ctx is done or
// Stop is called.
func (m *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.runChecks(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the periodic loop. Safe to call more than once.
func (m *HealthMonitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

// Check runs every check now and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.snapshot()
}

// Ready runs every check and reports whether none is unhealthy.
func (m *HealthMonitor) Ready(ctx context.Context) (bool, SystemHealth) {
	h := m.Check(ctx)
	return h.Status != StatusUnhealthy, h
}

// Alerts delivers status transitions. Alerts are dropped when nobody reads.
func (m *HealthMonitor) Alerts() <-chan Alert {
	return m.alertCh
}

// -----------------------------------------------------------------------
// Internal
// -----------------------------------------------------------------------

func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	fns := make([]HealthCheck, 0, len(m.checks))
	for name, fn := range m.checks {
		names = append(names, name)
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	out := make([]ComponentHealth, len(fns))
	var g errgroup.Group
	for i := range fns {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			start := m.now()
			h := fns[i](cctx)
			h.Name = names[i]
			h.LastChecked = m.now()
			h.Latency = h.LastChecked.Sub(start)
			out[i] = h
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	prev := m.results
	m.results = make(map[string]ComponentHealth, len(out))
	for _, h := range out {
		m.results[h.Name] = h
	}
	m.mu.Unlock()

	for _, h := range out {
		old, seen := prev[h.Name]
		switch {
		case !seen && h.Status == StatusHealthy:
			// First result and nothing to report.
		case !seen || old.Status != h.Status:
			m.emitAlert(h, old.Status)
		}
	}
}

func (m *HealthMonitor) emitAlert(h ComponentHealth, from ComponentStatus) {
	level := "info"
	switch h.Status {
	case StatusUnhealthy:
		level = "critical"
	case StatusDegraded:
		level = "warn"
	}
	msg := string(h.Status)
	if from != "" {
		msg = string(from) + " -> " + msg
	}
	if h.Message != "" {
		msg += ": " + h.Message
	}
	select {
	case m.alertCh <- Alert{Level: level, Component: h.Name, Message: msg, Timestamp: m.now()}:
	default:
	}
}

func (m *HealthMonitor) snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy
	for name, h := range m.results {
		components[name] = h
		if severity(h.Status) > severity(worst) {
			worst = h.Status
		}
	}
	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  m.now(),
		Uptime:     m.now().Sub(m.started),
	}
}

func severity(s ComponentStatus) int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	}
	return 0
}
