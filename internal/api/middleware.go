package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"photocache/internal/logging"
)

// Logger wraps a handler with request logging.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)

		logging.HTTP.Printf("%s %s %d %s", r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowedOrigins []string // Empty or nil means allow all (development mode)
}

// CORS adds CORS headers with configurable origin restrictions.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowAll := len(cfg.AllowedOrigins) == 0

	allowedSet := make(map[string]bool)
	for _, origin := range cfg.AllowedOrigins {
		allowedSet[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && allowedSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// RateLimiterMiddleware gates requests through a FixedWindowLimiter, keyed
// by client IP and endpoint class. Callers presenting the shared API secret
// bypass the limiter entirely.
type RateLimiterMiddleware struct {
	limiter *FixedWindowLimiter
	apiKey  string
}

// NewRateLimiter creates the rate limiting middleware. apiKey may be empty,
// in which case there is no bypass.
func NewRateLimiter(cfg RateLimitConfig, apiKey string) *RateLimiterMiddleware {
	return &RateLimiterMiddleware{
		limiter: NewFixedWindowLimiter(cfg),
		apiKey:  apiKey,
	}
}

// Stop shuts down the limiter's cleanup goroutine.
func (rl *RateLimiterMiddleware) Stop() {
	rl.limiter.Stop()
}

// classify maps a request to its endpoint class.
func classify(r *http.Request) string {
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/v1/track/"):
		return ClassTracking
	case r.URL.Path == "/api/v1/stats" || r.URL.Path == "/api/v1/images/stats":
		return ClassStats
	case r.URL.Path == "/api/v1/images/refresh" || r.Method == http.MethodDelete:
		return ClassAdmin
	default:
		return ClassGeneral
	}
}

// Middleware applies rate limiting around next.
func (rl *RateLimiterMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.apiKey != "" && presentedAPIKey(r) == rl.apiKey {
			next.ServeHTTP(w, r)
			return
		}

		result := rl.limiter.Check(extractIP(r), classify(r))

		w.Header().Set("RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(result.ResetAt).Seconds())+1))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   "Too many requests",
				"message": "Rate limit exceeded, please try again later",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// presentedAPIKey returns the shared secret presented by the caller, if any.
func presentedAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("apiKey")
}

// extractIP derives the client key for rate limiting: the first entry of
// X-Forwarded-For, then X-Real-IP, then the transport peer address, then
// the literal "unknown".
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// RemoteAddr is in the form "IP:port", so strip the port
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		addr = addr[:idx]
	}
	if addr == "" {
		return "unknown"
	}
	return addr
}
