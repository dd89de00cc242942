package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Worker is a long-running component. Run blocks until ctx is done or the
// worker fails; LastProgress reports when it last did useful work (or went
// idle on purpose) and drives its health predicate.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
	LastProgress() time.Time
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// Config tunes the supervisor.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	RestartMin      time.Duration `yaml:"restart_min"`
	RestartMax      time.Duration `yaml:"restart_max"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	StaleFactor     int           `yaml:"stale_factor"` // progress older than factor x poll interval is degraded
	JobTimeout      time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        ":8080",
		RestartMin:      time.Second,
		RestartMax:      60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		HealthInterval:  15 * time.Second,
		PingTimeout:     2 * time.Second,
		StaleFactor:     3,
		JobTimeout:      50 * time.Second,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.RestartMin <= 0 {
		c.RestartMin = d.RestartMin
	}
	if c.RestartMax < c.RestartMin {
		c.RestartMax = d.RestartMax
		if c.RestartMax < c.RestartMin {
			c.RestartMax = c.RestartMin
		}
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.StaleFactor <= 0 {
		c.StaleFactor = d.StaleFactor
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
}

// ---------------------------------------------------------------------------
// Supervisor
// ---------------------------------------------------------------------------

type entry struct {
	worker   Worker
	poll     time.Duration
	draining bool
	restarts atomic.Int64
	lastErr  atomic.Pointer[string]
}

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

type job struct {
	name  string
	spec  string
	runs  atomic.Int64
	fails atomic.Int64
}

// Supervisor runs workers, restarts the ones that exit, schedules
// maintenance jobs and serves the probe endpoints.
//
// Shutdown order: stop hooks run first (stop accepting intents, close the
// queue), then draining workers get up to ShutdownTimeout to finish, then
// close hooks release clients.
type Supervisor struct {
	config  Config
	metrics *observability.Metrics
	health  *observability.HealthMonitor

	mu      sync.Mutex
	entries []*entry
	jobs    []*job
	stats   map[string]func() any
	onStop  []hook
	onClose []hook
	routes  map[string]http.Handler

	cron     *cron.Cron
	jobCtx   context.Context
	stopping atomic.Bool
	started  atomic.Bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a supervisor. metrics may be nil.
func New(config Config, metrics *observability.Metrics) *Supervisor {
	config.fill()
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Supervisor{
		config:  config,
		metrics: metrics,
		health:  observability.NewHealthMonitor(config.HealthInterval),
		stats:   make(map[string]func() any),
		routes:  make(map[string]http.Handler),
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{}))),
		jobCtx:  context.Background(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Add registers a worker. poll is its nominal cycle; progress older than
// StaleFactor x poll marks it degraded.
func (s *Supervisor) Add(w Worker, poll time.Duration) {
	s.add(w, poll, false)
}

// AddDraining registers a worker that keeps running after shutdown starts
// until it returns on its own (its input was closed) or ShutdownTimeout
// passes.
func (s *Supervisor) AddDraining(w Worker, poll time.Duration) {
	s.add(w, poll, true)
}

func (s *Supervisor) add(w Worker, poll time.Duration, draining bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{worker: w, poll: poll, draining: draining})
	s.health.Register(w.Name(), observability.ProgressCheck(w.LastProgress, time.Duration(s.config.StaleFactor)*poll))
}

// Dependency registers a required dependency (e.g. persistence). The
// process is not ready while ping fails.
func (s *Supervisor) Dependency(name string, ping func(ctx context.Context) error) {
	s.health.Register(name, observability.PingCheck(ping, s.config.PingTimeout))
}

// Schedule adds a cron job (robfig spec, e.g. "@every 1m"). Each run gets
// a context bounded by JobTimeout.
func (s *Supervisor) Schedule(name, spec string, fn func(ctx context.Context) error) error {
	j := &job{name: name, spec: spec}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(s.jobCtx, s.config.JobTimeout)
		defer cancel()
		j.runs.Add(1)
		if err := fn(ctx); err != nil {
			j.fails.Add(1)
			log.Warn().Err(err).Str("job", name).Msg("supervisor: job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("supervisor: schedule %s: %w", name, err)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
	return nil
}

// Stats registers a component snapshot for /stats.
func (s *Supervisor) Stats(name string, fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[name] = fn
}

// Handle mounts an extra route on the probe server.
func (s *Supervisor) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[pattern] = h
}

// OnStop registers a hook run when shutdown begins, before draining.
// Hooks run in registration order.
func (s *Supervisor) OnStop(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStop = append(s.onStop, hook{name: name, fn: fn})
}

// OnClose registers a hook run after workers stopped, in registration
// order.
func (s *Supervisor) OnClose(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, hook{name: name, fn: fn})
}

// Stopping reports whether shutdown has begun.
func (s *Supervisor) Stopping() bool { return s.stopping.Load() }

// Run starts everything and blocks until ctx is cancelled and shutdown
// completed. It returns an error only when the HTTP listener fails.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("supervisor: already running")
	}
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	// Draining workers outlive ctx until they finish or the deadline hits.
	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()
	var drained errgroup.Group

	for _, e := range entries {
		if e.draining {
			drained.Go(func() error {
				s.supervise(drainCtx, e)
				return nil
			})
			continue
		}
		g.Go(func() error {
			s.supervise(gctx, e)
			return nil
		})
	}

	go s.health.Start(gctx)
	go s.logAlerts(gctx)

	s.jobCtx = gctx
	s.cron.Start()

	var srv *http.Server
	if s.config.HTTPAddr != "" {
		srv = &http.Server{
			Addr:              s.config.HTTPAddr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("supervisor: http listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("supervisor: http: %w", err)
			}
			return nil
		})
	}

	log.Info().Int("workers", len(entries)).Int("jobs", len(s.jobs)).Msg("supervisor: started")

	<-gctx.Done()
	s.shutdown(ctx, srv, &drained, cancelDrain)

	err := g.Wait()
	if ctx.Err() != nil && err == nil {
		return nil
	}
	return err
}

func (s *Supervisor) shutdown(parent context.Context, srv *http.Server, drained *errgroup.Group, cancelDrain context.CancelFunc) {
	s.stopping.Store(true)
	log.Info().Dur("deadline", s.config.ShutdownTimeout).Msg("supervisor: shutting down")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.config.ShutdownTimeout)
	defer cancel()

	s.runHooks(ctx, s.onStop, "stop")

	done := make(chan struct{})
	go func() {
		_ = drained.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("supervisor: drain deadline exceeded, cancelling in-flight work")
		cancelDrain()
		<-done
	}

	<-s.cron.Stop().Done()
	s.health.Stop()

	if srv != nil {
		httpCtx, httpCancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
		_ = srv.Shutdown(httpCtx)
		httpCancel()
	}

	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer closeCancel()
	s.runHooks(closeCtx, s.onClose, "close")

	log.Info().Msg("supervisor: shutdown complete")
}

func (s *Supervisor) runHooks(ctx context.Context, hooks []hook, phase string) {
	s.mu.Lock()
	hooks = append([]hook(nil), hooks...)
	s.mu.Unlock()
	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			log.Warn().Err(err).Str("hook", h.name).Str("phase", phase).Msg("supervisor: hook failed")
		}
	}
}

// supervise runs a worker until ctx is done, restarting it with bounded
// exponential backoff. A worker that ran longer than RestartMax before
// failing starts again from RestartMin.
func (s *Supervisor) supervise(ctx context.Context, e *entry) {
	name := e.worker.Name()
	delay := s.config.RestartMin
	for {
		started := s.now()
		err := runSafe(ctx, e.worker)
		if ctx.Err() != nil || s.stopping.Load() {
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Str("worker", name).Msg("supervisor: worker stopped")
			}
			return
		}

		if err == nil {
			err = errors.New("exited without error")
		}
		msg := err.Error()
		e.lastErr.Store(&msg)
		e.restarts.Add(1)
		s.metrics.WorkerRestarts.Inc()

		if s.now().Sub(started) > s.config.RestartMax {
			delay = s.config.RestartMin
		}
		log.Warn().Err(err).Str("worker", name).Dur("backoff", delay).Int64("restarts", e.restarts.Load()).
			Msg("supervisor: worker exited, restarting")

		if s.sleep(ctx, delay) != nil {
			return
		}
		delay *= 2
		if delay > s.config.RestartMax {
			delay = s.config.RestartMax
		}
	}
}

func runSafe(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error().Str("worker", w.Name()).Str("stack", string(debug.Stack())).Msg("supervisor: worker panicked")
		}
	}()
	return w.Run(ctx)
}

func (s *Supervisor) logAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-s.health.Alerts():
			ev := log.Info()
			switch a.Level {
			case "critical":
				ev = log.Error()
			case "warn":
				ev = log.Warn()
			}
			ev.Str("component", a.Component).Msg("supervisor: health " + a.Message)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// Handler serves /live, /ready, /health, /metrics and /stats.
func (s *Supervisor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stopping": s.stopping.Load()})
	})

	ready := func(w http.ResponseWriter, r *http.Request) {
		ok, h := s.health.Ready(r.Context())
		code := http.StatusOK
		if !ok || s.stopping.Load() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"ready": code == http.StatusOK, "health": h})
	}
	mux.HandleFunc("/ready", ready)
	mux.HandleFunc("/health", ready)

	mux.Handle("/metrics", observability.NewPrometheusExporter(s.metrics.Registry))

	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Snapshot())
	})

	s.mu.Lock()
	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}
	s.mu.Unlock()
	return mux
}

// WorkerStatus is one worker's view in /stats.
type WorkerStatus struct {
	Name         string    `json:"name"`
	Restarts     int64     `json:"restarts"`
	LastProgress time.Time `json:"last_progress"`
	LastError    string    `json:"last_error,omitempty"`
}

// JobStatus is one cron job's view in /stats.
type JobStatus struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Runs     int64  `json:"runs"`
	Failures int64  `json:"failures"`
}

// Snapshot returns workers, jobs and every registered component's stats.
func (s *Supervisor) Snapshot() map[string]any {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	jobs := append([]*job(nil), s.jobs...)
	stats := make(map[string]func() any, len(s.stats))
	for k, v := range s.stats {
		stats[k] = v
	}
	s.mu.Unlock()

	workers := make([]WorkerStatus, 0, len(entries))
	for _, e := range entries {
		ws := WorkerStatus{Name: e.worker.Name(), Restarts: e.restarts.Load(), LastProgress: e.worker.LastProgress()}
		if p := e.lastErr.Load(); p != nil {
			ws.LastError = *p
		}
		workers = append(workers, ws)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })

	js := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		js = append(js, JobStatus{Name: j.name, Schedule: j.spec, Runs: j.runs.Load(), Failures: j.fails.Load()})
	}

	out := map[string]any{"workers": workers, "jobs": js, "stopping": s.stopping.Load(), "metrics": s.metrics.Snapshot()}
	for name, fn := range stats {
		out[name] = fn()
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// cronLogger routes robfig/cron's own messages through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("supervisor: cron " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("supervisor: cron " + msg)
}
