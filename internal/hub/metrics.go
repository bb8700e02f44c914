package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the hub's Prometheus collectors.
type Metrics struct {
	DevicesConnected prometheus.Gauge
	Sessions         prometheus.Counter
	Readings         *prometheus.CounterVec
	Malformed        prometheus.Counter
	CommandsSent     prometheus.Counter
	CommandsFailed   prometheus.Counter
	CommandResponses prometheus.Counter
	StorageErrors    *prometheus.CounterVec
	AcceptErrors     prometheus.Counter
	CycleDuration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DevicesConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "stm32hub_devices_connected",
			Help: "Number of devices currently registered.",
		}),
		Sessions: f.NewCounter(prometheus.CounterOpts{
			Name: "stm32hub_sessions_total",
			Help: "Device connections accepted.",
		}),
		Readings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stm32hub_sensor_readings_total",
			Help: "Sensor readings persisted.",
		}, []string{"sensor_type"}),
		Malformed: f.NewCounter(prometheus.CounterOpts{
			Name: "stm32hub_malformed_messages_total",
			Help: "Inbound messages that could not be decoded.",
		}),
		CommandsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "stm32hub_commands_sent_total",
			Help: "Commands written to devices.",
		}),
		CommandsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "stm32hub_commands_failed_total",
			Help: "Commands marked failed after a delivery error.",
		}),
		CommandResponses: f.NewCounter(prometheus.CounterOpts{
			Name: "stm32hub_command_responses_total",
			Help: "Command responses that completed a pending command.",
		}),
		StorageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stm32hub_storage_errors_total",
			Help: "Storage operations that returned an error.",
		}, []string{"op"}),
		AcceptErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "stm32hub_accept_errors_total",
			Help: "Transient accept failures.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stm32hub_dispatch_cycle_seconds",
			Help:    "Duration of a command dispatch cycle.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}
