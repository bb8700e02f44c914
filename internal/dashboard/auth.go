package dashboard

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// RateLimiter tracks failed authentication attempts per client IP.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow records an attempt from ip.
// Returns true if under limit, false if rate limited.
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	recent := r.recentLocked(ip, time.Now())
	if len(recent) >= r.limit {
		r.attempts[ip] = recent
		return false
	}
	r.attempts[ip] = append(recent, time.Now())
	return true
}

// Blocked reports whether ip has used up its attempts, without recording one.
func (r *RateLimiter) Blocked(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	recent := r.recentLocked(ip, time.Now())
	if len(recent) == 0 {
		delete(r.attempts, ip)
		return false
	}
	r.attempts[ip] = recent
	return len(recent) >= r.limit
}

func (r *RateLimiter) recentLocked(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	var recent []time.Time
	for _, t := range r.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}

// Reset clears attempts for an IP.
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, ip)
}

// AuthService checks operator credentials.
type AuthService struct {
	tokenHash   []byte
	totpSecret  string
	rateLimiter *RateLimiter
}

// NewAuthService creates a new auth service.
func NewAuthService(tokenHash, totpSecret string, limit int, window time.Duration) *AuthService {
	return &AuthService{
		tokenHash:   []byte(tokenHash),
		totpSecret:  totpSecret,
		rateLimiter: NewRateLimiter(limit, window),
	}
}

// CheckToken verifies the operator token against the bcrypt hash.
func (a *AuthService) CheckToken(token string) bool {
	if token == "" || len(a.tokenHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)) == nil
}

// HasTOTP returns true if TOTP is configured.
func (a *AuthService) HasTOTP() bool {
	return a.totpSecret != ""
}

// CheckTOTP verifies the TOTP code.
func (a *AuthService) CheckTOTP(code string) bool {
	if !a.HasTOTP() {
		return true // TOTP not required
	}
	return totp.Validate(code, a.totpSecret)
}

// bearerToken extracts the operator token from the Authorization header,
// falling back to the token query parameter for websocket clients.
func bearerToken(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// requireToken rejects requests without a valid operator token.
func (s *Server) requireToken(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if s.auth.rateLimiter.Blocked(ip) {
				writeError(w, http.StatusTooManyRequests, "too many failed attempts")
				return
			}

			if !s.auth.CheckToken(bearerToken(r, allowQuery)) {
				s.auth.rateLimiter.Allow(ip)
				s.log.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("rejected operator request")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			s.auth.rateLimiter.Reset(ip)
			next.ServeHTTP(w, r)
		})
	}
}
