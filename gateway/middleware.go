package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"uptree/gateway/auth"
	"uptree/observability/metrics"
)

type contextKey string

const principalKey contextKey = "gateway.principal"

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(ctx context.Context) (*auth.Principal, bool) {
	principal, ok := ctx.Value(principalKey).(*auth.Principal)
	return principal, ok
}

// instrument logs every request and feeds the gateway metrics. It runs
// outside the auth layers so rejected requests are visible too.
func instrument(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			took := time.Since(start)
			metrics.Gateway().ObserveRequest(route, r.Method, ww.Status(), took)
			log.Info("request",
				"method", r.Method,
				"route", route,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"took", took,
				"requestId", chimw.GetReqID(r.Context()),
			)
		})
	}
}

// requireSignature authenticates the request against the HMAC scheme. The
// body is drained for signing and restored for downstream handlers.
func requireSignature(authenticator *auth.Authenticator, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(io.LimitReader(r.Body, auth.MaxSignedBody+1))
				if err != nil {
					writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
						Code:    "validation_failed",
						Message: "unable to read request body",
					}})
					return
				}
				r.Body.Close()
			}
			principal, err := authenticator.Verify(r, body)
			if err != nil {
				log.Warn("request rejected", "route", r.URL.Path, "error", err)
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
					Code:    "unauthorized",
					Message: err.Error(),
				}})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
		})
	}
}

const visitorIdleTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// throttle applies a per-client token bucket. Idle client buckets are swept
// whenever the map is touched, so no janitor goroutine is needed.
type throttle struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

func newThrottle(requestsPerSecond float64, burst int) *throttle {
	return &throttle{
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (t *throttle) allow(client string) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.lastSweep) > visitorIdleTTL {
		for key, v := range t.visitors {
			if now.Sub(v.lastSeen) > visitorIdleTTL {
				delete(t.visitors, key)
			}
		}
		t.lastSweep = now
	}
	v, ok := t.visitors[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[client] = v
	}
	v.lastSeen = now
	return v.limiter.Allow()
}

func (t *throttle) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.allow(clientID(r)) {
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			metrics.Gateway().ObserveThrottle(route)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{
				Code:    "rate_limited",
				Message: "too many requests",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors answers browser preflights for the configured origins. Origins match
// exactly; "*" allows everything. Unlisted origins get no CORS headers.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	_, wildcard := allowed["*"]
	headers := strings.Join([]string{
		"Content-Type",
		"Idempotency-Key",
		auth.HeaderAPIKey,
		auth.HeaderTimestamp,
		auth.HeaderNonce,
		auth.HeaderSignature,
	}, ", ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			_, ok := allowed[origin]
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && ok:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			if origin != "" && (ok || wildcard) {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", headers)
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientID picks the most trustworthy client address available.
func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
