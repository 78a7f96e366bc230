// Package metrics exposes engine counters and gauges to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the streaming engine.
type Metrics struct {
	registry *prometheus.Registry

	downloads        *prometheus.CounterVec
	downloadFailures *prometheus.CounterVec
	downloadBytes    prometheus.Counter
	switches         *prometheus.CounterVec
	merges           *prometheus.CounterVec
	bufferEvents     *prometheus.CounterVec
	quarantines      prometheus.Counter
	lab              *prometheus.GaugeVec
	activeBandwidth  *prometheus.GaugeVec
	estimate         prometheus.Gauge
	requests         prometheus.Counter
	requestErrors    prometheus.Counter
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsabr_downloads_total",
			Help: "Completed downloads by kind (playlist, segment, key)",
		}, []string{"kind"}),
		downloadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsabr_download_failures_total",
			Help: "Failed downloads by kind, cancellations excluded",
		}, []string{"kind"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsabr_download_bytes_total",
			Help: "Segment payload bytes downloaded",
		}),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsabr_switches_total",
			Help: "Completed bitrate and rendition switches",
		}, []string{"content_type", "direction"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsabr_live_merges_total",
			Help: "Live playlist merges by outcome",
		}, []string{"result"}),
		bufferEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsabr_buffer_events_total",
			Help: "Buffering start and end events",
		}, []string{"event"}),
		quarantines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsabr_variant_quarantines_total",
			Help: "Variants put into quarantine after repeated failures",
		}),
		lab: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hlsabr_lab_seconds",
			Help: "Look-ahead buffer length per content type",
		}, []string{"content_type"}),
		activeBandwidth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hlsabr_active_bandwidth_bps",
			Help: "Declared bandwidth of the active variant",
		}, []string{"content_type"}),
		estimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hlsabr_bandwidth_estimate_bps",
			Help: "Smoothed throughput estimate",
		}),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsabr_http_requests_total",
			Help: "Requests served by the status server",
		}),
		requestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsabr_http_errors_total",
			Help: "Status server responses with status >= 400",
		}),
	}

	m.registry.MustRegister(
		m.downloads,
		m.downloadFailures,
		m.downloadBytes,
		m.switches,
		m.merges,
		m.bufferEvents,
		m.quarantines,
		m.lab,
		m.activeBandwidth,
		m.estimate,
		m.requests,
		m.requestErrors,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Download records a completed download of kind and its size.
func (m *Metrics) Download(kind string, bytes int) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(kind).Inc()
	if kind == "segment" {
		m.downloadBytes.Add(float64(bytes))
	}
}

// DownloadFailed records a failed download of kind.
func (m *Metrics) DownloadFailed(kind string) {
	if m == nil {
		return
	}
	m.downloadFailures.WithLabelValues(kind).Inc()
}

// Switch records a completed switch; direction is "up", "down" or
// "rendition".
func (m *Metrics) Switch(contentType, direction string) {
	if m == nil {
		return
	}
	m.switches.WithLabelValues(contentType, direction).Inc()
}

// Merge records a live merge outcome.
func (m *Metrics) Merge(result string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(result).Inc()
}

// BufferEvent records a buffering transition.
func (m *Metrics) BufferEvent(event string) {
	if m == nil {
		return
	}
	m.bufferEvents.WithLabelValues(event).Inc()
}

// Quarantine records a variant entering quarantine.
func (m *Metrics) Quarantine() {
	if m == nil {
		return
	}
	m.quarantines.Inc()
}

// SetLAB sets the look-ahead buffer gauge of contentType.
func (m *Metrics) SetLAB(contentType string, seconds float64) {
	if m == nil {
		return
	}
	m.lab.WithLabelValues(contentType).Set(seconds)
}

// SetActiveBandwidth sets the active variant gauge of contentType.
func (m *Metrics) SetActiveBandwidth(contentType string, bps uint32) {
	if m == nil {
		return
	}
	m.activeBandwidth.WithLabelValues(contentType).Set(float64(bps))
}

// SetEstimate sets the throughput estimate gauge.
func (m *Metrics) SetEstimate(bps uint32) {
	if m == nil {
		return
	}
	m.estimate.Set(float64(bps))
}

// Handler returns an http.Handler that serves the metrics. refresh is
// called before each scrape to update gauges.
func (m *Metrics) Handler(refresh func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh != nil {
			refresh()
		}
		h.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestMiddleware counts requests and error responses.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			if m == nil {
				return
			}
			m.requests.Inc()
			if wrap.status >= 400 {
				m.requestErrors.Inc()
			}
		})
	}
}
