// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ManuGH/streamrec/internal/log"
)

var httpRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamrec_http_rate_limited_total",
	Help: "Control API requests rejected by the per-client rate limiter",
})

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	RequestLimit int
	WindowSize   time.Duration
	// KeyFunc selects the bucket for a request. Defaults to the client IP.
	KeyFunc httprate.KeyFunc
}

// RateLimit rejects requests beyond RequestLimit per WindowSize and key with
// 429 and a Retry-After header covering the window.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = httprate.KeyByIP
	}
	retryAfter := strconv.Itoa(max(1, int(cfg.WindowSize.Seconds())))

	return httprate.Limit(cfg.RequestLimit, cfg.WindowSize,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpRateLimitedTotal.Inc()
			log.WithComponentFromContext(r.Context(), "api").Debug().
				Str(log.FieldEvent, "api.rate_limited").
				Str("remote", r.RemoteAddr).
				Str("path", r.URL.Path).
				Msg("request rate limited")

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
		}),
	)
}

// APIRateLimit limits each client IP to perMinute requests per minute.
func APIRateLimit(perMinute int) func(http.Handler) http.Handler {
	return RateLimit(RateLimitConfig{RequestLimit: perMinute, WindowSize: time.Minute})
}
