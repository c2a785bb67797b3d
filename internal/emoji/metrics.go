package emoji

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the emoji cache.
type Metrics struct {
	DownloadsTotal *prometheus.CounterVec
	Entries        prometheus.Gauge
}

// NewMetrics creates and registers the emoji metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DownloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emoji_downloads_total",
				Help: "Emoji ingest attempts by result",
			},
			[]string{"result"}, // ok, cached, error, decode_error
		),
		Entries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "emoji_cache_entries",
				Help: "Entries currently held by the emoji cache",
			},
		),
	}
}
