package httpapi

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/ratelimit"
)

const (
	headerTerminalID = "X-Terminal-ID"
	headerAPIKey     = "X-Api-Key"
)

type ctxKey int

const terminalKey ctxKey = iota

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("http",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("dur", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
				zap.String("terminal_id", r.Header.Get(headerTerminalID)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// terminalMiddleware puts the calling terminal's id in the context.
func terminalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerTerminalID))
		ctx := context.WithValue(r.Context(), terminalKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func terminalID(ctx context.Context) string {
	id, _ := ctx.Value(terminalKey).(string)
	return id
}

// knownFunc reports whether a terminal id is commissioned.
type knownFunc func(ctx context.Context, terminalID string) (bool, error)

// rateLimitMiddleware limits per commissioned terminal, or per client address
// otherwise.  The terminal header is unauthenticated, so an unknown id never
// gets a window of its own.  Limiter failures let the request through.
func rateLimitMiddleware(l ratelimit.Limiter, known knownFunc, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r, known)
			res, err := l.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			if !res.Allowed {
				secs := int(res.RetryAfter.Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request, known knownFunc) string {
	if id := terminalID(r.Context()); id != "" && known != nil {
		if ok, err := known(r.Context(), id); err == nil && ok {
			return "terminal:" + id
		}
	}
	return "ip:" + clientIP(r)
}

func apiKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(headerAPIKey)
			if got == "" {
				got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
