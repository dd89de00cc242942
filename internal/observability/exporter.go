package observability

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// sample is one exposition line: name+suffix, rendered labels, value.
type sample struct {
	suffix string
	labels string
	value  string
}

// family groups every series sharing a metric name.
type family struct {
	name    string
	help    string
	typ     MetricType
	samples []sample
}

// families snapshots the registry, one family per name, sorted by name.
func (r *Registry) families() []family {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := make(map[string]*family)
	get := func(s series, typ MetricType) *family {
		f, ok := byName[s.name]
		if !ok {
			f = &family{name: s.name, help: s.help, typ: typ}
			byName[s.name] = f
		}
		return f
	}
	for _, c := range r.counters {
		f := get(c.series, MetricCounter)
		f.samples = append(f.samples, sample{labels: formatLabels(c.labels), value: formatFloat(c.Value())})
	}
	for _, g := range r.gauges {
		f := get(g.series, MetricGauge)
		f.samples = append(f.samples, sample{labels: formatLabels(g.labels), value: formatFloat(g.Value())})
	}
	for _, h := range r.histograms {
		f := get(h.series, MetricHistogram)
		f.samples = append(f.samples, histogramSamples(h)...)
	}

	out := make([]family, 0, len(byName))
	for _, f := range byName {
		if f.typ != MetricHistogram {
			sort.SliceStable(f.samples, func(i, j int) bool { return f.samples[i].labels < f.samples[j].labels })
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func histogramSamples(h *Histogram) []sample {
	bounds, counts, sum, count := h.Buckets()
	out := make([]sample, 0, len(bounds)+3)
	for i, b := range bounds {
		out = append(out, sample{suffix: "_bucket", labels: withLabel(h.labels, "le", formatFloat(b)), value: strconv.FormatInt(counts[i], 10)})
	}
	lbl := formatLabels(h.labels)
	return append(out,
		sample{suffix: "_bucket", labels: withLabel(h.labels, "le", "+Inf"), value: strconv.FormatInt(count, 10)},
		sample{suffix: "_sum", labels: lbl, value: formatFloat(sum)},
		sample{suffix: "_count", labels: lbl, value: strconv.FormatInt(count, 10)},
	)
}

// PrometheusExporter serves a registry in the Prometheus text format.
type PrometheusExporter struct {
	registry *Registry
}

func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	return &PrometheusExporter{registry: registry}
}

func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = e.WriteTo(w)
}

// WriteTo writes every family under a single HELP/TYPE header, families
// separated by a blank line.
func (e *PrometheusExporter) WriteTo(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i, f := range e.registry.families() {
		if i > 0 {
			bw.WriteByte('\n')
		}
		fmt.Fprintf(bw, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.typ)
		for _, s := range f.samples {
			fmt.Fprintf(bw, "%s%s%s %s\n", f.name, s.suffix, s.labels, s.value)
		}
	}
	return bw.Flush()
}

// Format renders the exposition as a string.
func (e *PrometheusExporter) Format() string {
	var b strings.Builder
	_ = e.WriteTo(&b)
	return b.String()
}

// formatLabels renders {k="v",...} with keys sorted, or "" when empty.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(labels[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func withLabel(base map[string]string, key, value string) string {
	merged := copyLabels(base)
	if merged == nil {
		merged = make(map[string]string, 1)
	}
	merged[key] = value
	return formatLabels(merged)
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
