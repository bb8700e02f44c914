package hub

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stm32hub/stm32hub/internal/protocol"
	"github.com/stm32hub/stm32hub/internal/store"
)

// session serves one device connection from accept to close.
type session struct {
	srv  *Server
	conn *Conn
	log  zerolog.Logger

	closeOnce sync.Once
	reason    string
}

func newSession(srv *Server, nc net.Conn) *session {
	conn := newConn(nc, uuid.NewString(), srv.opts.WriteTimeout)
	return &session{
		srv:  srv,
		conn: conn,
		log: srv.log.With().
			Str("device", conn.ID).
			Str("session", conn.SessionID).
			Logger(),
	}
}

// run registers the device, reads until the transport ends, then cleans up.
func (s *session) run() {
	s.open()
	defer s.close()

	if s.srv.closing.Load() {
		s.reason = "closed by hub"
		return
	}

	reader := protocol.NewLineReader(s.conn.nc, s.srv.opts.MaxLine)
	for {
		if s.srv.opts.IdleTimeout > 0 {
			_ = s.conn.nc.SetReadDeadline(time.Now().Add(s.srv.opts.IdleTimeout))
		}

		line, err := reader.ReadLine()
		if errors.Is(err, protocol.ErrLineTooLong) {
			s.srv.metrics.Malformed.Inc()
			s.log.Warn().Int("max", s.srv.opts.MaxLine).Msg("dropping oversized message")
			continue
		}
		if err != nil {
			s.reason = readEndReason(err)
			if n := reader.Discarded(); n > 0 {
				s.log.Debug().Int("bytes", n).Msg("discarded unterminated message")
			}
			if s.reason == "read error" {
				s.log.Warn().Err(err).Msg("read failed")
			}
			return
		}

		for _, ev := range protocol.Decode(line) {
			s.handle(ev)
		}
	}
}

func readEndReason(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return "peer closed"
	case errors.Is(err, net.ErrClosed):
		return "closed by hub"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "idle timeout"
	default:
		return "read error"
	}
}

func (s *session) open() {
	if prev := s.srv.registry.Register(s.conn.ID, s.conn); prev != nil {
		s.log.Warn().Str("previous_session", prev.SessionID).Msg("replacing existing connection")
		_ = prev.Close()
	}
	s.srv.metrics.Sessions.Inc()
	s.srv.metrics.DevicesConnected.Set(float64(s.srv.registry.Len()))

	if err := s.srv.store.LogConnectionEvent(s.conn.ID, store.EventConnected, ""); err != nil {
		s.storageError("log_event", err)
	}

	s.log.Info().Msg("device connected")
	s.srv.notify(Notice{
		Type:     NoticeDeviceConnected,
		DeviceID: s.conn.ID,
		Payload: DeviceInfo{
			ID:          s.conn.ID,
			RemoteAddr:  s.conn.RemoteAddr().String(),
			SessionID:   s.conn.SessionID,
			ConnectedAt: s.conn.ConnectedAt,
		},
	})
}

// close releases the device. Safe to call more than once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.srv.registry.Release(s.conn.ID, s.conn)
		_ = s.conn.Close()
		s.srv.metrics.DevicesConnected.Set(float64(s.srv.registry.Len()))

		if err := s.srv.store.LogConnectionEvent(s.conn.ID, store.EventDisconnected, s.reason); err != nil {
			s.storageError("log_event", err)
		}

		s.log.Info().Str("reason", s.reason).Msg("device disconnected")
		s.srv.notify(Notice{
			Type:     NoticeDeviceDisconnected,
			DeviceID: s.conn.ID,
			Payload:  map[string]string{"reason": s.reason},
		})
	})
}

func (s *session) handle(ev protocol.Event) {
	switch ev.Kind {
	case protocol.KindSensorReading:
		s.handleReading(ev)
	case protocol.KindCommandResponse:
		s.handleResponse(ev)
	case protocol.KindStatus:
		s.handleStatus(ev)
	case protocol.KindHello:
		s.handleHello(ev)
	default:
		s.srv.metrics.Malformed.Inc()
		s.log.Warn().
			Str("reason", ev.Detail).
			Str("raw", truncate(ev.Raw, 120)).
			Msg("malformed message")
	}
}

func (s *session) handleReading(ev protocol.Event) {
	id, err := s.srv.store.SaveSensorReading(s.conn.ID, ev.SensorType, ev.Value, ev.Raw)
	if err != nil {
		s.storageError("save_reading", err)
		return
	}
	s.srv.metrics.Readings.WithLabelValues(ev.SensorType).Inc()
	s.log.Debug().Str("sensor", ev.SensorType).Float64("value", ev.Value).Msg("reading stored")

	s.srv.notify(Notice{
		Type:     NoticeSensorReading,
		DeviceID: s.conn.ID,
		Payload: store.SensorReading{
			ID:         id,
			DeviceID:   s.conn.ID,
			SensorType: ev.SensorType,
			Value:      ev.Value,
			Raw:        ev.Raw,
			Timestamp:  time.Now().UTC(),
		},
	})
}

func (s *session) handleResponse(ev protocol.Event) {
	err := s.srv.store.UpdateCommandStatus(ev.CommandID, store.StatusExecuted, ev.Response)
	switch {
	case errors.Is(err, store.ErrCommandNotFound), errors.Is(err, store.ErrCommandNotPending):
		s.log.Warn().Err(err).Int64("command_id", ev.CommandID).Msg("ignoring command response")
		return
	case err != nil:
		s.storageError("update_command", err)
		return
	}

	s.srv.metrics.CommandResponses.Inc()
	s.log.Info().Int64("command_id", ev.CommandID).Msg("command executed")
	s.srv.notify(Notice{
		Type:     NoticeCommandUpdated,
		DeviceID: s.conn.ID,
		Payload: CommandUpdate{
			CommandID: ev.CommandID,
			Status:    store.StatusExecuted,
			Response:  ev.Response,
		},
	})
}

func (s *session) handleStatus(ev protocol.Event) {
	if err := s.srv.store.LogConnectionEvent(s.conn.ID, store.EventStatusUpdate, ev.Detail); err != nil {
		s.storageError("log_event", err)
		return
	}
	s.srv.notify(Notice{
		Type:     NoticeDeviceStatus,
		DeviceID: s.conn.ID,
		Payload:  map[string]string{"detail": ev.Detail},
	})
}

func (s *session) handleHello(ev protocol.Event) {
	if !s.srv.registry.Claim(s.conn.ID, ev.Serial) {
		return
	}
	s.log = s.log.With().Str("serial", ev.Serial).Logger()
	s.log.Info().Msg("device identified")

	if err := s.srv.store.LogConnectionEvent(s.conn.ID, store.EventStatusUpdate, "hello serial="+ev.Serial); err != nil {
		s.storageError("log_event", err)
	}
	s.srv.notify(Notice{
		Type:     NoticeDeviceStatus,
		DeviceID: s.conn.ID,
		Payload:  map[string]string{"serial": ev.Serial},
	})
	// Commands queued under the serial can go out now.
	s.srv.dispatcher.Wake()
}

func (s *session) storageError(op string, err error) {
	s.srv.metrics.StorageErrors.WithLabelValues(op).Inc()
	s.log.Error().Err(err).Str("op", op).Msg("storage operation failed")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
