package http

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/ctxkey"
)

// RateLimitConfig sets per-minute request budgets. Zero disables a limiter.
type RateLimitConfig struct {
	IPRate     int
	ClientRate int
}

const rateWindow = time.Minute

// IPRateLimit limits requests per client address. It runs before
// authentication so unauthenticated floods are rejected cheaply.
func IPRateLimit(n int, metrics *Metrics) func(http.Handler) http.Handler {
	if n <= 0 {
		return passthrough
	}
	return httprate.Limit(n, rateWindow,
		httprate.WithKeyFuncs(ipKey),
		httprate.WithLimitHandler(limitHandler(metrics)),
	)
}

// ClientRateLimit limits requests per authenticated API client. It must run
// after RequireScope; requests without a client ID fall back to the address.
func ClientRateLimit(n int, metrics *Metrics) func(http.Handler) http.Handler {
	if n <= 0 {
		return passthrough
	}
	return httprate.Limit(n, rateWindow,
		httprate.WithKeyFuncs(clientKey),
		httprate.WithLimitHandler(limitHandler(metrics)),
	)
}

func ipKey(r *http.Request) (string, error) {
	if ip := RealIP(r.Context()); ip != "" {
		return "ip:" + ip, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func clientKey(r *http.Request) (string, error) {
	if id := ctxkey.ClientID(r.Context()); id != "" {
		return "client:" + id, nil
	}
	return ipKey(r)
}

func limitHandler(metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if metrics != nil {
			metrics.RateLimited.Inc()
		}
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
	}
}

func passthrough(next http.Handler) http.Handler { return next }
