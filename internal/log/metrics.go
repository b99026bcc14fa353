package log

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments a Log. Several logs may share one Metrics.
type Metrics struct {
	Appends       prometheus.Counter
	AppendedBytes prometheus.Counter
	Rollovers     prometheus.Counter
	Expired       prometheus.Counter
	Segments      prometheus.Gauge
}

// NewMetrics creates the log collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Appends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wombatlog_appends_total",
			Help: "Total number of appends to the log",
		}),
		AppendedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wombatlog_appended_bytes_total",
			Help: "Total number of bytes appended to the log",
		}),
		Rollovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wombatlog_segment_rollovers_total",
			Help: "Total number of times the active segment was sealed and replaced",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wombatlog_segments_expired_total",
			Help: "Total number of sealed segments removed by expiry",
		}),
		Segments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wombatlog_segments",
			Help: "Number of segments currently loaded",
		}),
	}
	reg.MustRegister(m.Appends, m.AppendedBytes, m.Rollovers, m.Expired, m.Segments)
	return m
}
