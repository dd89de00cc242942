package observability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType is the exposition type of a series.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// series is what every metric carries: its name, help text and labels.
type series struct {
	name   string
	help   string
	labels map[string]string
}

// -----------------------------------------------------------------------
// Counter
// -----------------------------------------------------------------------

// Counter only goes up. Values are held in thousandths so fractional adds
// stay lock-free.
type Counter struct {
	series
	milli atomic.Int64
}

// Inc adds one.
func (c *Counter) Inc() { c.milli.Add(1000) }

// Add adds delta. Negative deltas are ignored.
func (c *Counter) Add(delta float64) {
	if delta > 0 {
		c.milli.Add(int64(math.Round(delta * 1000)))
	}
}

func (c *Counter) Value() float64 { return float64(c.milli.Load()) / 1000 }

// -----------------------------------------------------------------------
// Gauge
// -----------------------------------------------------------------------

// Gauge moves both ways.
type Gauge struct {
	series
	mu    sync.Mutex
	value float64
}

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.add(1) }

// Dec subtracts one, never going below zero.
func (g *Gauge) Dec() { g.add(-1) }

func (g *Gauge) add(d float64) {
	g.mu.Lock()
	g.value = math.Max(0, g.value+d)
	g.mu.Unlock()
}

func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// -----------------------------------------------------------------------
// Histogram
// -----------------------------------------------------------------------

// Histogram counts observations per upper bound. counts[i] is cumulative:
// every observation <= bounds[i].
type Histogram struct {
	series
	mu     sync.Mutex
	bounds []float64
	counts []int64
	sum    float64
	count  int64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds); i++ {
		h.counts[i]++
	}
}

// Count is the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Quantile estimates the q-quantile (0..1) by interpolating inside the
// bucket the rank falls into. Ranks past the last bound report that bound.
func (h *Histogram) Quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 || q < 0 || q > 1 || len(h.bounds) == 0 {
		return 0
	}
	rank := q * float64(h.count)
	i := sort.Search(len(h.counts), func(i int) bool { return float64(h.counts[i]) >= rank })
	if i == len(h.counts) {
		return h.bounds[len(h.bounds)-1]
	}
	var lo, below float64
	if i > 0 {
		lo, below = h.bounds[i-1], float64(h.counts[i-1])
	}
	in := float64(h.counts[i]) - below
	if in == 0 {
		return h.bounds[i]
	}
	return lo + (rank-below)/in*(h.bounds[i]-lo)
}

// Buckets copies the bounds, cumulative counts, sum and count.
func (h *Histogram) Buckets() (bounds []float64, counts []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.bounds...), append([]int64(nil), h.counts...), h.sum, h.count
}

// -----------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------

// Registry holds every series. A series is a name plus a label set, so
// autosnipe_trades_total{result="success"} and {result="failed"} are two
// entries under one name.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// register returns the series under key, creating it with mk on first use.
func register[M any](r *Registry, m map[string]*M, key string, mk func() *M) *M {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := m[key]; ok {
		return existing
	}
	v := mk()
	m[key] = v
	return v
}

func newSeries(name, help string, labels map[string]string) series {
	return series{name: name, help: help, labels: copyLabels(labels)}
}

// NewCounter registers a counter series, or returns the existing one.
func (r *Registry) NewCounter(name, help string, labels map[string]string) *Counter {
	return register(r, r.counters, name+formatLabels(labels), func() *Counter {
		return &Counter{series: newSeries(name, help, labels)}
	})
}

// NewGauge registers a gauge series, or returns the existing one.
func (r *Registry) NewGauge(name, help string, labels map[string]string) *Gauge {
	return register(r, r.gauges, name+formatLabels(labels), func() *Gauge {
		return &Gauge{series: newSeries(name, help, labels)}
	})
}

// NewHistogram registers a histogram series, or returns the existing one.
// bounds need not be sorted.
func (r *Registry) NewHistogram(name, help string, labels map[string]string, bounds []float64) *Histogram {
	return register(r, r.histograms, name+formatLabels(labels), func() *Histogram {
		b := append([]float64(nil), bounds...)
		sort.Float64s(b)
		return &Histogram{series: newSeries(name, help, labels), bounds: b, counts: make([]int64, len(b))}
	})
}

// LatencyBucketsMs spans a single RPC round trip up to a full submit and
// confirm cycle.
var LatencyBucketsMs = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

// -----------------------------------------------------------------------
// Pipeline metrics
// -----------------------------------------------------------------------

// Values of the result label on autosnipe_trades_total.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Metrics is the pipeline's set of series. Methods are safe on a nil
// receiver so components can run without metrics.
type Metrics struct {
	Registry *Registry

	SubmitAttempts  *Counter
	TradesSuccess   *Counter
	TradesFailed    *Counter
	FillsSuperseded *Counter
	WorkerRestarts  *Counter
	OpenPositions   *Gauge
	ExecLatency     *Histogram
}

func NewMetrics() *Metrics {
	r := NewRegistry()
	trades := func(result string) *Counter {
		return r.NewCounter("autosnipe_trades_total", "Finished trade intents by result",
			map[string]string{"result": result})
	}
	return &Metrics{
		Registry:       r,
		SubmitAttempts: r.NewCounter("autosnipe_submit_attempts_total", "Swap transaction submit attempts", nil),
		TradesSuccess:  trades(ResultSuccess),
		TradesFailed:   trades(ResultFailed),
		FillsSuperseded: r.NewCounter("autosnipe_fills_superseded_total",
			"Swaps that landed after being recorded as failed", nil),
		WorkerRestarts: r.NewCounter("autosnipe_worker_restarts_total", "Supervised worker restarts", nil),
		OpenPositions:  r.NewGauge("autosnipe_open_positions", "Open positions under management", nil),
		ExecLatency: r.NewHistogram("autosnipe_execution_latency_ms",
			"Intent execution latency in milliseconds", nil, LatencyBucketsMs),
	}
}

// TradeResult counts one finished intent and its latency.
func (m *Metrics) TradeResult(success bool, latency time.Duration) {
	if m == nil {
		return
	}
	if success {
		m.TradesSuccess.Inc()
	} else {
		m.TradesFailed.Inc()
	}
	m.ExecLatency.Observe(float64(latency.Milliseconds()))
}

// PositionFill moves the open-position gauge for a recorded fill.
func (m *Metrics) PositionFill(opened, closed bool) {
	if m == nil {
		return
	}
	if opened {
		m.OpenPositions.Inc()
	}
	if closed {
		m.OpenPositions.Dec()
	}
}

// FillSuperseded counts a swap that landed after being recorded as failed.
func (m *Metrics) FillSuperseded() {
	if m != nil {
		m.FillsSuperseded.Inc()
	}
}

// Snapshot is the metrics view served under /stats.
type Snapshot struct {
	TradesSucceeded float64 `json:"trades_succeeded"`
	TradesFailed    float64 `json:"trades_failed"`
	SubmitAttempts  float64 `json:"submit_attempts"`
	FillsSuperseded float64 `json:"fills_superseded"`
	OpenPositions   float64 `json:"open_positions"`
	LatencyP50Ms    float64 `json:"latency_p50_ms"`
	LatencyP95Ms    float64 `json:"latency_p95_ms"`
	LatencyP99Ms    float64 `json:"latency_p99_ms"`
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		TradesSucceeded: m.TradesSuccess.Value(),
		TradesFailed:    m.TradesFailed.Value(),
		SubmitAttempts:  m.SubmitAttempts.Value(),
		FillsSuperseded: m.FillsSuperseded.Value(),
		OpenPositions:   m.OpenPositions.Value(),
		LatencyP50Ms:    m.ExecLatency.Quantile(0.50),
		LatencyP95Ms:    m.ExecLatency.Quantile(0.95),
		LatencyP99Ms:    m.ExecLatency.Quantile(0.99),
	}
}

func copyLabels(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
