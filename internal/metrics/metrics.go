// Package metrics is the process-wide metric digest: latency percentiles
// and terminal-outcome counters backed by prometheus client_golang. No
// field here is ever keyed or valued by prompt or completion content.
package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"chatsafe/internal/events"
)

// Digest is the process-wide metrics store. It owns a private prometheus
// registry (not the global default) so GET /metrics can render a
// privacy-safe JSON snapshot rather than exposition format, while still
// using prometheus's Counter/Histogram machinery as the backing store.
type Digest struct {
	reg *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInflight        *prometheus.GaugeVec

	generationLatency *prometheus.HistogramVec
	finishReasonTotal *prometheus.CounterVec
	errorKindTotal    *prometheus.CounterVec
	frameParseErrors  prometheus.Counter
	admissionRejected *prometheus.CounterVec

	startedAt time.Time
}

// New builds a Digest and registers its collectors on a private registry.
func New() *Digest {
	reg := prometheus.NewRegistry()
	d := &Digest{
		reg: reg,
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsafe", Subsystem: "http", Name: "requests_total", Help: "Total HTTP requests.",
		}, []string{"path", "method", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatsafe", Subsystem: "http", Name: "request_duration_seconds", Help: "HTTP request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		httpInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatsafe", Subsystem: "http", Name: "inflight_requests", Help: "In-flight HTTP requests.",
		}, []string{"path"}),
		generationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatsafe", Subsystem: "generation", Name: "latency_seconds", Help: "End-to-end generation latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		}, []string{"outcome"}),
		finishReasonTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsafe", Subsystem: "generation", Name: "finish_reason_total", Help: "Terminal frames by finish_reason.",
		}, []string{"finish_reason"}),
		errorKindTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsafe", Subsystem: "generation", Name: "error_kind_total", Help: "Errors by taxonomy kind.",
		}, []string{"kind"}),
		frameParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsafe", Subsystem: "inference", Name: "frame_parse_errors_total", Help: "Unparseable backend stream frames, skipped.",
		}),
		admissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsafe", Subsystem: "admission", Name: "rejected_total", Help: "Requests rejected by the admission controller.",
		}, []string{"dimension"}),
		startedAt: time.Now(),
	}
	reg.MustRegister(
		d.httpRequestsTotal, d.httpRequestDuration, d.httpInflight,
		d.generationLatency, d.finishReasonTotal, d.errorKindTotal,
		d.frameParseErrors, d.admissionRejected,
	)
	return d
}

// HTTPMiddleware records request count, duration, and in-flight gauge
// keyed by chi's route pattern, never the raw URL, to keep label
// cardinality bounded.
func (d *Digest) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routePatternOrPath(r)
		d.httpInflight.WithLabelValues(path).Inc()
		defer d.httpInflight.WithLabelValues(path).Dec()

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		status := strconv.Itoa(sr.status)
		d.httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		d.httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}

// RecordGeneration records one request's end-to-end generation latency
// against its terminal outcome.
func (d *Digest) RecordGeneration(outcome string, dur time.Duration) {
	d.generationLatency.WithLabelValues(outcome).Observe(dur.Seconds())
}

// RecordFinishReason counts one stream's terminal finish_reason.
func (d *Digest) RecordFinishReason(reason string) {
	d.finishReasonTotal.WithLabelValues(reason).Inc()
}

// RecordErrorKind counts one request's terminal error taxonomy kind.
func (d *Digest) RecordErrorKind(kind string) {
	d.errorKindTotal.WithLabelValues(kind).Inc()
}

// RecordFrameParseError counts one malformed, skipped backend stream frame.
func (d *Digest) RecordFrameParseError() {
	d.frameParseErrors.Inc()
}

// RecordAdmissionRejected counts one admission rejection by dimension
// (per_key, global, or concurrency).
func (d *Digest) RecordAdmissionRejected(dimension string) {
	d.admissionRejected.WithLabelValues(dimension).Inc()
}

// EventSink adapts Digest to the events.Publisher interface, so the
// admission controller (admission_rejected) and the inference clients
// (frame_parse_error) can report into metrics purely through the
// in-process event bus instead of importing this package directly. Other
// events, such as the process manager's, are ignored.
func (d *Digest) EventSink() events.Publisher { return digestSink{d} }

type digestSink struct{ d *Digest }

func (s digestSink) Publish(ev events.Event) {
	switch ev.Name {
	case "admission_rejected":
		if dim, ok := ev.Fields["dimension"].(string); ok {
			s.d.RecordAdmissionRejected(dim)
		}
	case "frame_parse_error":
		s.d.RecordFrameParseError()
	}
}

// Snapshot is the JSON shape served at GET /metrics: counters and
// latency percentiles, with no field keyed or valued by request content.
type Snapshot struct {
	UptimeSeconds    float64            `json:"uptime_seconds"`
	RequestsTotal    float64            `json:"requests_total"`
	LatencySeconds   PercentileSummary  `json:"generation_latency_seconds"`
	FinishReasons    map[string]float64 `json:"finish_reasons"`
	ErrorKinds       map[string]float64 `json:"error_kinds"`
	FrameParseErrs   float64            `json:"frame_parse_errors_total"`
	AdmissionRejects map[string]float64 `json:"admission_rejected"`
}

// PercentileSummary reports p50/p90/p99 estimated from histogram buckets.
type PercentileSummary struct {
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
	Count uint64  `json:"count"`
}

// Snapshot gathers every collector into the privacy-safe JSON shape.
func (d *Digest) Snapshot() Snapshot {
	families, _ := d.reg.Gather()
	out := Snapshot{
		UptimeSeconds:    time.Since(d.startedAt).Seconds(),
		FinishReasons:    map[string]float64{},
		ErrorKinds:       map[string]float64{},
		AdmissionRejects: map[string]float64{},
	}
	for _, fam := range families {
		switch fam.GetName() {
		case "chatsafe_http_requests_total":
			out.RequestsTotal = sumCounters(fam)
		case "chatsafe_generation_finish_reason_total":
			sumIntoByLabel(fam, "finish_reason", out.FinishReasons)
		case "chatsafe_generation_error_kind_total":
			sumIntoByLabel(fam, "kind", out.ErrorKinds)
		case "chatsafe_inference_frame_parse_errors_total":
			out.FrameParseErrs = sumCounters(fam)
		case "chatsafe_admission_rejected_total":
			sumIntoByLabel(fam, "dimension", out.AdmissionRejects)
		case "chatsafe_generation_latency_seconds":
			out.LatencySeconds = mergedPercentiles(fam)
		}
	}
	return out
}

func sumCounters(fam *dto.MetricFamily) float64 {
	var total float64
	for _, m := range fam.GetMetric() {
		if c := m.GetCounter(); c != nil {
			total += c.GetValue()
		}
	}
	return total
}

func sumIntoByLabel(fam *dto.MetricFamily, labelName string, into map[string]float64) {
	for _, m := range fam.GetMetric() {
		c := m.GetCounter()
		if c == nil {
			continue
		}
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName {
				into[lp.GetValue()] += c.GetValue()
			}
		}
	}
}

// mergedPercentiles merges every label combination's histogram buckets
// into one cumulative distribution and estimates p50/p90/p99 from it by
// linear interpolation within the bucket that crosses each quantile.
func mergedPercentiles(fam *dto.MetricFamily) PercentileSummary {
	type bucket struct {
		upperBound float64
		count      uint64
	}
	merged := map[float64]uint64{}
	var total uint64
	for _, m := range fam.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		total += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			merged[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if total == 0 {
		return PercentileSummary{}
	}
	bounds := make([]float64, 0, len(merged))
	for ub := range merged {
		bounds = append(bounds, ub)
	}
	sort.Float64s(bounds)
	buckets := make([]bucket, 0, len(bounds))
	for _, ub := range bounds {
		buckets = append(buckets, bucket{upperBound: ub, count: merged[ub]})
	}
	quantile := func(q float64) float64 {
		target := uint64(q * float64(total))
		prevBound, prevCount := 0.0, uint64(0)
		for _, b := range buckets {
			if b.count >= target {
				span := b.upperBound - prevBound
				countSpan := b.count - prevCount
				if countSpan == 0 || span <= 0 {
					return b.upperBound
				}
				frac := float64(target-prevCount) / float64(countSpan)
				return prevBound + frac*span
			}
			prevBound, prevCount = b.upperBound, b.count
		}
		if len(buckets) > 0 {
			return buckets[len(buckets)-1].upperBound
		}
		return 0
	}
	return PercentileSummary{
		P50:   quantile(0.50),
		P90:   quantile(0.90),
		P99:   quantile(0.99),
		Count: total,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying ResponseWriter when it supports
// flushing, so this wrapper does not break SSE streaming through the
// middleware chain.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

