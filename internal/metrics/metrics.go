// Package metrics expõe contadores e gauges Prometheus do cam-stream.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sua-org/cam-stream/internal/events"
	"github.com/sua-org/cam-stream/internal/stream"
)

const namespace = "camstream"

// Metrics guarda o registry próprio (sem o default global) e os coletores
// alimentados por eventos e por middleware.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal  prometheus.Counter
	errorsTotal    prometheus.Counter
	sourcesStarted prometheus.Counter
	sourcesEnded   *prometheus.CounterVec
	scriptExits    *prometheus.CounterVec
	detections     *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sourcesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sources_started_total",
			Help:      "Sources that came online",
		}),
		sourcesEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sources_ended_total",
			Help:      "Sources torn down, by reason",
		}, []string{"reason"}),
		scriptExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_exits_total",
			Help:      "Script process exits, by persisted status",
		}, []string{"status"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detections accepted from scripts, by type",
		}, []string{"type"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sourcesStarted,
		m.sourcesEnded,
		m.scriptExits,
		m.detections,
	)
	return m
}

// RegisterStream expõe os números do engine lidos na hora do scrape.
func (m *Metrics) RegisterStream(stats func() stream.Stats) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sources", Help: "Sources with a current frame",
		}, func() float64 { return float64(stats().Sources) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_viewers", Help: "Attached viewers across all sources",
		}, func() float64 { return float64(stats().Viewers) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_pushed_total", Help: "Frames accepted by the engine",
		}, func() float64 { return float64(stats().FramesPushed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "viewer_frames_dropped_total", Help: "Frames dropped for slow viewers",
		}, func() float64 { return float64(stats().FramesDropped) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_write_failures_total", Help: "Viewer writes that failed and detached the viewer",
		}, func() float64 { return float64(stats().SinkFailures) }),
	)
}

func (m *Metrics) RegisterScripts(running func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "running_scripts", Help: "Script processes currently running",
	}, func() float64 { return float64(running()) }))
}

func (m *Metrics) RegisterPull(online func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "pull_cameras_online", Help: "Pulled cameras currently streaming",
	}, func() float64 { return float64(online()) }))
}

// RegisterNotifier expõe as falhas/descartes da fila de MQTT.
func (m *Metrics) RegisterNotifier(dropped, failed func() uint64) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_dropped_total", Help: "Notifications dropped on a full queue",
		}, func() float64 { return float64(dropped()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_failed_total", Help: "Notifications the broker rejected",
		}, func() float64 { return float64(failed()) }),
	)
}

// Register liga os contadores aos eventos do hub.
func (m *Metrics) Register(hub *events.Hub) {
	hub.OnSourceStarted(func(events.SourceStarted) { m.sourcesStarted.Inc() })
	hub.OnSourceEnded(func(evt events.SourceEnded) { m.sourcesEnded.WithLabelValues(evt.Reason).Inc() })
	hub.OnScriptExited(func(evt events.ScriptExited) { m.scriptExits.WithLabelValues(string(evt.Status)).Inc() })
	hub.OnDetectionRecorded(func(evt events.DetectionRecorded) {
		m.detections.WithLabelValues(evt.Detection.DetectionType).Inc()
	})
}

func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
