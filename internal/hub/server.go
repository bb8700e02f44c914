// Package hub accepts STM32 device connections, persists what they send and
// delivers queued commands back to them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/stm32hub/stm32hub/internal/protocol"
	"github.com/stm32hub/stm32hub/internal/store"
)

// ErrEmptyCommandType is returned by SubmitCommand for a blank command type.
var ErrEmptyCommandType = errors.New("command type is required")

// Options configures a Server.
type Options struct {
	ListenAddr       string
	DispatchInterval time.Duration
	MaxLine          int
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration // 0 disables
	Registerer       prometheus.Registerer
}

func (o *Options) setDefaults() {
	if o.ListenAddr == "" {
		o.ListenAddr = "0.0.0.0:8080"
	}
	if o.DispatchInterval <= 0 {
		o.DispatchInterval = time.Second
	}
	if o.MaxLine <= 0 {
		o.MaxLine = protocol.DefaultMaxLine
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

// Server is the device hub.
type Server struct {
	opts       Options
	log        zerolog.Logger
	store      Store
	registry   *Registry
	dispatcher *Dispatcher
	metrics    *Metrics

	obsMu     sync.RWMutex
	observers []Observer

	ln         net.Listener
	cancel     context.CancelFunc
	acceptDone chan struct{}
	workers    sync.WaitGroup
	sessions   sync.WaitGroup
	closing    atomic.Bool
}

// New creates a hub server backed by st.
func New(opts Options, st Store, log zerolog.Logger) *Server {
	opts.setDefaults()
	s := &Server{
		opts:     opts,
		log:      log.With().Str("component", "hub").Logger(),
		store:    st,
		registry: NewRegistry(),
		metrics:  NewMetrics(opts.Registerer),
	}
	s.dispatcher = NewDispatcher(log, s.registry, st, s.metrics, opts.DispatchInterval, s.notify)
	return s
}

// AddObserver subscribes o to hub notices. Call before Start.
func (s *Server) AddObserver(o Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

func (s *Server) notify(n Notice) {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, o := range s.observers {
		o.Notify(n)
	}
}

// Start binds the listen address and starts accepting devices and
// dispatching commands. A bind failure is returned as is.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.ListenAddr, err)
	}
	s.ln = ln

	ctx, s.cancel = context.WithCancel(ctx)
	s.acceptDone = make(chan struct{})

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.dispatcher.Run(ctx)
	}()

	go func() {
		defer close(s.acceptDone)
		acceptLoop(ctx, s.log, ln, s.metrics, s.serveConn)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("hub listening")
	return nil
}

func (s *Server) serveConn(nc net.Conn) {
	if s.closing.Load() {
		_ = nc.Close()
		return
	}
	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		newSession(s, nc).run()
	}()
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting, closes every device connection and waits for
// sessions and the dispatcher to finish, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) || s.ln == nil {
		return nil
	}

	_ = s.ln.Close()
	s.cancel()
	<-s.acceptDone

	n := s.registry.CloseAll()
	s.log.Info().Int("devices", n).Msg("closing device connections")

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry returns the live device registry.
func (s *Server) Registry() *Registry { return s.registry }

// Dispatcher returns the command dispatcher.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// ═══════════════════════════════════════════════════════════════════════════
// OPERATOR API
// ═══════════════════════════════════════════════════════════════════════════

// Devices returns the connected devices.
func (s *Server) Devices() []DeviceInfo {
	return s.registry.Devices()
}

// SubmitCommand queues a command for deviceID, which may be a connection
// identity or a serial claimed via hello, and wakes the dispatcher.
func (s *Server) SubmitCommand(deviceID, commandType string, parameters *string) (int64, error) {
	commandType = strings.TrimSpace(commandType)
	if commandType == "" {
		return 0, ErrEmptyCommandType
	}
	if deviceID == "" {
		return 0, errors.New("device id is required")
	}

	id, err := s.store.SaveCommand(deviceID, commandType, parameters)
	if err != nil {
		s.metrics.StorageErrors.WithLabelValues("save_command").Inc()
		return 0, err
	}

	s.log.Info().Str("device", deviceID).Int64("command_id", id).Str("type", commandType).Msg("command queued")
	s.notify(Notice{
		Type:     NoticeCommandQueued,
		DeviceID: deviceID,
		Payload:  CommandUpdate{CommandID: id, Type: commandType, Status: store.StatusPending},
	})
	s.dispatcher.Wake()
	return id, nil
}

// RecentReadings returns the newest readings; an empty deviceID means all.
func (s *Server) RecentReadings(deviceID string, limit int) ([]store.SensorReading, error) {
	return s.store.RecentReadings(deviceID, limit)
}

// ClearHistory deletes all stored sensor readings.
func (s *Server) ClearHistory() (int64, error) {
	n, err := s.store.ClearReadings()
	if err != nil {
		return 0, err
	}
	s.log.Warn().Int64("deleted", n).Msg("sensor history cleared")
	return n, nil
}

// Command returns one command by id.
func (s *Server) Command(id int64) (*store.Command, error) {
	return s.store.GetCommand(id)
}

// Commands returns the newest commands for deviceID.
func (s *Server) Commands(deviceID string, limit int) ([]store.Command, error) {
	return s.store.ListCommands(deviceID, limit)
}

// ConnectionEvents returns the newest connection events for deviceID.
func (s *Server) ConnectionEvents(deviceID string, limit int) ([]store.ConnectionEvent, error) {
	return s.store.RecentConnectionEvents(deviceID, limit)
}
