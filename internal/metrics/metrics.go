// Package metrics exposes service counters on a private Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "skywatch"

// FPSReporter is implemented by the source registry.
type FPSReporter interface {
	FPS() map[string]float64
}

// Metrics holds all application collectors.
type Metrics struct {
	FramesCaptured   *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	Placeholders     *prometheus.CounterVec
	Detections       *prometheus.CounterVec
	DetectionLatency *prometheus.HistogramVec
	Alerts           *prometheus.CounterVec
	ActiveStreams    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with every collector registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Frames read from a video source",
		}, []string{"camera"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_reconnects_total",
			Help:      "Reconnect attempts per video source",
		}, []string{"camera"}),
		Placeholders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placeholder_frames_total",
			Help:      "Signal-lost frames sent to viewers",
		}, []string{"camera"}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detection calls by outcome",
		}, []string{"camera", "outcome"}),
		DetectionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_latency_seconds",
			Help:      "Round trip time of detection calls",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"backend"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert dispatch results",
		}, []string{"camera", "outcome"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Viewer stream loops currently running",
		}),
	}

	m.registry.MustRegister(
		m.FramesCaptured,
		m.Reconnects,
		m.Placeholders,
		m.Detections,
		m.DetectionLatency,
		m.Alerts,
		m.ActiveStreams,
	)
	return m
}

// WatchFPS registers a collector that reports the live fps of every source
// at scrape time.
func (m *Metrics) WatchFPS(r FPSReporter) {
	m.registry.MustRegister(&fpsCollector{reporter: r})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var fpsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "source_fps"),
	"Frames per second measured over the last second",
	[]string{"camera"}, nil,
)

type fpsCollector struct {
	reporter FPSReporter
}

func (c *fpsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- fpsDesc
}

func (c *fpsCollector) Collect(ch chan<- prometheus.Metric) {
	for name, fps := range c.reporter.FPS() {
		ch <- prometheus.MustNewConstMetric(fpsDesc, prometheus.GaugeValue, fps, name)
	}
}
