package danmaku

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the gateway core.
type Metrics struct {
	BroadcastTotal *prometheus.CounterVec
	BlockedTotal   *prometheus.CounterVec
	SendFailures   prometheus.Counter

	ViewersConnected   *prometheus.GaugeVec
	UpstreamsConnected prometheus.Gauge
}

// NewMetrics creates and registers all gateway metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BroadcastTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "danmaku_broadcast_total",
				Help: "Messages broadcast to viewers, by channel and message type",
			},
			[]string{"channel", "type"},
		),
		BlockedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "danmaku_blocked_total",
				Help: "Messages suppressed by the filter pipeline",
			},
			[]string{"channel"},
		),
		SendFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "danmaku_send_failures_total",
				Help: "Viewer socket send failures observed during fan-out",
			},
		),
		ViewersConnected: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "danmaku_viewers_connected",
				Help: "Currently connected viewer sockets per channel",
			},
			[]string{"channel"},
		),
		UpstreamsConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "danmaku_upstreams_connected",
				Help: "Currently connected upstream sockets",
			},
		),
	}
}
