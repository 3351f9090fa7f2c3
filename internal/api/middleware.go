package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"langapp-coordinator/internal/metrics"
)

// routePattern prefers the matched chi pattern so metrics and logs stay
// low-cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// RequestLogger writes one structured line per request.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				// hijacked by the websocket upgrade
				status = http.StatusSwitchingProtocols
			}
			l := log.With().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", routePattern(r)).
				Str("remote_ip", r.RemoteAddr).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Int("bytes_out", ww.BytesWritten()).
				Logger()

			switch {
			case status >= 500:
				l.Error().Msg("request")
			case status >= 400:
				l.Warn().Msg("request")
			default:
				l.Info().Msg("request")
			}
		})
	}
}

// Metrics records request counts and latency per route pattern.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusSwitchingProtocols
		}
		path := routePattern(r)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// CORS allows the configured origins, or any origin when none are configured.
func CORS(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case len(allowed) == 0:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && originAllowed(allowed, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UpgradeLimiter throttles websocket upgrade attempts per client IP with a
// token bucket. Idle visitors are evicted every cleanupEvery lookups.
type UpgradeLimiter struct {
	rps   rate.Limit
	burst int
	ttl   time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
}

const cleanupEvery = 5000

func NewUpgradeLimiter(rps float64, burst int) *UpgradeLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &UpgradeLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		ttl:      10 * time.Minute,
		visitors: make(map[string]*visitor),
	}
}

func (ul *UpgradeLimiter) limiter(key string) *rate.Limiter {
	now := time.Now()

	ul.mu.Lock()
	defer ul.mu.Unlock()

	ul.lookups++
	if ul.lookups >= cleanupEvery {
		for k, v := range ul.visitors {
			if now.Sub(v.lastSeen) >= ul.ttl {
				delete(ul.visitors, k)
			}
		}
		ul.lookups = 0
	}

	if v, ok := ul.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(ul.rps, ul.burst)
	ul.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

func (ul *UpgradeLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !ul.limiter(ip).Allow() {
			metrics.ConnectionsRejected.WithLabelValues("throttled").Inc()
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"Too Many Requests","reason":"rate_limited"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
