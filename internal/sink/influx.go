package sink

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/stm32hub/stm32hub/internal/hub"
	"github.com/stm32hub/stm32hub/internal/store"
)

const influxQueueSize = 256

// InfluxMirror writes every sensor reading as a point. It implements hub.Observer.
type InfluxMirror struct {
	log   zerolog.Logger
	api   api.WriteAPI
	queue chan store.SensorReading
}

// NewInfluxMirror wraps an async write API and logs its write errors. Call
// Run to start writing.
func NewInfluxMirror(log zerolog.Logger, w api.WriteAPI) *InfluxMirror {
	m := &InfluxMirror{
		log:   log.With().Str("component", "influx-mirror").Logger(),
		api:   w,
		queue: make(chan store.SensorReading, influxQueueSize),
	}
	go func() {
		for err := range w.Errors() {
			if err != nil {
				m.log.Warn().Err(err).Msg("influx write failed")
			}
		}
	}()
	return m
}

// Notify queues sensor readings; other notices are ignored. WritePoint stalls
// while the client is flushing, so it only runs on the Run goroutine.
func (m *InfluxMirror) Notify(n hub.Notice) {
	if n.Type != hub.NoticeSensorReading {
		return
	}
	r, ok := n.Payload.(store.SensorReading)
	if !ok {
		return
	}
	select {
	case m.queue <- r:
	default:
		m.log.Debug().Str("device", r.DeviceID).Msg("influx queue full, dropping reading")
	}
}

// Run writes queued readings until ctx is done.
func (m *InfluxMirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-m.queue:
			m.api.WritePoint(PointFor(r))
		}
	}
}

// PointFor converts a reading to a sensor_reading point.
func PointFor(r store.SensorReading) *write.Point {
	return influxdb2.NewPoint("sensor_reading",
		map[string]string{
			"device":      r.DeviceID,
			"sensor_type": r.SensorType,
		},
		map[string]interface{}{
			"value": r.Value,
		},
		r.Timestamp,
	)
}
