// Package dashboard serves the operator HTTP API: device listing, command
// submission, history queries and a live websocket feed of hub notices.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stm32hub/stm32hub/internal/hub"
	"github.com/stm32hub/stm32hub/internal/store"
)

// Operator is what the API needs from the hub.
type Operator interface {
	Devices() []hub.DeviceInfo
	SubmitCommand(deviceID, commandType string, parameters *string) (int64, error)
	Command(id int64) (*store.Command, error)
	Commands(deviceID string, limit int) ([]store.Command, error)
	RecentReadings(deviceID string, limit int) ([]store.SensorReading, error)
	ClearHistory() (int64, error)
	ConnectionEvents(deviceID string, limit int) ([]store.ConnectionEvent, error)
}

// Config configures the operator API.
type Config struct {
	ListenAddr        string
	TokenHash         string // bcrypt hash of the operator token
	TOTPSecret        string // optional, guards history clearing
	RateLimitRequests int
	RateLimitWindow   time.Duration
	TrustProxy        bool // take the client address from X-Forwarded-For / X-Real-IP
}

// Server is the operator API server.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	auth    *AuthService
	op      Operator
	feed    *Feed
	metrics http.Handler
	router  *chi.Mux
	http    *http.Server
}

// New creates the API server. gatherer backs /metrics; nil uses the default.
func New(cfg Config, op Operator, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = 5
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	s := &Server{
		cfg:     cfg,
		log:     log.With().Str("component", "dashboard").Logger(),
		auth:    NewAuthService(cfg.TokenHash, cfg.TOTPSecret, cfg.RateLimitRequests, cfg.RateLimitWindow),
		op:      op,
		feed:    NewFeed(log),
		metrics: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	// Forwarded headers are client-controlled unless a proxy sets them, and the
	// failed-auth limiter is keyed on the client address.
	if s.cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics)

	// Live feed, token in header or query
	r.With(s.requireToken(true)).Get("/ws", s.feed.serveWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken(false))

		r.Get("/devices", s.handleGetDevices)
		r.Post("/devices/{deviceID}/commands", s.handleSubmitCommand)
		r.Get("/devices/{deviceID}/commands", s.handleListCommands)
		r.Get("/devices/{deviceID}/readings", s.handleGetReadings)
		r.Get("/devices/{deviceID}/events", s.handleGetEvents)
		r.Get("/commands/{commandID}", s.handleGetCommand)
		r.Get("/readings", s.handleGetReadings)
		r.Delete("/readings", s.handleClearReadings)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// Feed returns the websocket feed; register it as a hub observer.
func (s *Server) Feed() *Feed {
	return s.feed
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Str("addr", ln.Addr().String()).Msg("starting operator API")
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("operator API stopped")
		}
	}()
	return nil
}

// Shutdown stops the HTTP server and disconnects feed clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.feed.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
