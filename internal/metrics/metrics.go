// Package metrics wires the server's quality and connection telemetry to
// a Prometheus registry scraped over /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gauges/counters SigmaSockets exports. One
// Registry is constructed per server.
type Registry struct {
	reg *prometheus.Registry

	ConnectionsCurrent prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	SessionsDetached   prometheus.Gauge
	UpgradeRejections  *prometheus.CounterVec
	ForcedDisconnects  *prometheus.CounterVec

	QualityScore *prometheus.GaugeVec
	RTTSeconds   *prometheus.GaugeVec
	LossRatio    *prometheus.GaugeVec

	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
}

// NewRegistry constructs and registers every metric on a fresh
// prometheus.Registry (not the global DefaultRegisterer, so multiple
// Server instances in one process — e.g. in tests — don't collide).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ConnectionsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sigmasockets",
			Name:      "connections_current",
			Help:      "Number of currently bound connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigmasockets",
			Name:      "connections_total",
			Help:      "Total connections accepted since process start.",
		}),
		SessionsDetached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sigmasockets",
			Name:      "sessions_detached",
			Help:      "Number of sessions currently detached (awaiting reconnect).",
		}),
		UpgradeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigmasockets",
			Name:      "upgrade_rejections_total",
			Help:      "Upgrade requests rejected, by reason.",
		}, []string{"kind"}),
		ForcedDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigmasockets",
			Name:      "forced_disconnects_total",
			Help:      "Connections force-closed by the supervisor, by reason.",
		}, []string{"reason"}),
		QualityScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sigmasockets",
			Name:      "quality_score",
			Help:      "Composite quality score per session.",
		}, []string{"session_id"}),
		RTTSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sigmasockets",
			Name:      "rtt_seconds",
			Help:      "EMA round-trip time per session, in seconds.",
		}, []string{"session_id"}),
		LossRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sigmasockets",
			Name:      "ping_loss_ratio",
			Help:      "Missed-ping ratio over the quality window, per session.",
		}, []string{"session_id"}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigmasockets",
			Name:      "frames_sent_total",
			Help:      "Outbound frames sent across all connections.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigmasockets",
			Name:      "frames_received_total",
			Help:      "Inbound frames received across all connections.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigmasockets",
			Name:      "bytes_sent_total",
			Help:      "Outbound payload bytes sent across all connections.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigmasockets",
			Name:      "bytes_received_total",
			Help:      "Inbound payload bytes received across all connections.",
		}),
	}

	reg.MustRegister(
		r.ConnectionsCurrent, r.ConnectionsTotal, r.SessionsDetached,
		r.UpgradeRejections, r.ForcedDisconnects,
		r.QualityScore, r.RTTSeconds, r.LossRatio,
		r.FramesSent, r.FramesReceived, r.BytesSent, r.BytesReceived,
	)
	return r
}

// Handler returns the http.Handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ForgetSession removes any per-session gauge series for id, called when
// a session's connection ends so /metrics doesn't accumulate unbounded label
// cardinality over a long-running server's lifetime.
func (r *Registry) ForgetSession(id string) {
	r.QualityScore.DeleteLabelValues(id)
	r.RTTSeconds.DeleteLabelValues(id)
	r.LossRatio.DeleteLabelValues(id)
}
