package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/telemetry"
)

// KeyFunc returns the bucket key of a request. An empty key is not limited.
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request id so the 429 body can carry it.
type RequestIDFunc func(r *http.Request) string

// Middleware enforces limiter on the buckets keyFunc selects, namespaced
// under prefix ("login", "auth"). A nil limiter disables the middleware and
// limiter errors let the request through.
func Middleware(limiter Limiter, prefix string, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	rejected := telemetry.Int64Counter("configmanager/ratelimit", "cm.ratelimit.rejected",
		"Requests refused with 429")
	attrs := metric.WithAttributes(attribute.String("bucket", prefix))

	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := limiter.Allow(r.Context(), prefix+":"+key)
			switch {
			case err != nil:
				if logger != nil {
					logger.Warn("ratelimit: limiter error, allowing request", "bucket", prefix, "error", err)
				}
			case !allowed:
				rejected.Add(r.Context(), 1, attrs)
				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				tooManyRequests(w, requestID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tooManyRequests(w http.ResponseWriter, requestID string) {
	w.Header().Set("Retry-After", "1")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Message: "too many requests",
		Code:    model.ErrCodeRateLimited,
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys by the host part of RemoteAddr. X-Forwarded-For is client
// controlled and ignored; a fronting proxy must set RemoteAddr. The agent
// login handler also records this address as the agent's IP.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
