package admin

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lumenpay/lumenpay/internal/ratelimit"
)

type endpointRule struct {
	method string // "" matches any
	prefix string
	rule   ratelimit.Rule
}

type ruleLimiter struct {
	endpointRule
	limiter *ratelimit.MemoryLimiter
}

// RateLimitMiddleware provides per-endpoint, per-IP rate limiting for the admin API.
type RateLimitMiddleware struct {
	rules  []ruleLimiter
	logger *slog.Logger
}

var defaultRules = []endpointRule{
	{method: http.MethodPost, prefix: "/admin/v1/indexer/run", rule: ratelimit.Rule{Limit: 6, Window: time.Minute}},
	{method: http.MethodPost, prefix: "/admin/v1/confirm", rule: ratelimit.Rule{Limit: 2, Window: time.Minute}},
	{method: http.MethodPost, prefix: "/admin/v1/wallets", rule: ratelimit.Rule{Limit: 10, Window: time.Minute}},
	{prefix: "", rule: ratelimit.Rule{Limit: 60, Window: time.Minute}},
}

func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{logger: logger.With("component", "admin_ratelimit")}
	for _, r := range defaultRules {
		rl.rules = append(rl.rules, ruleLimiter{endpointRule: r, limiter: ratelimit.NewMemoryLimiter(r.rule)})
	}
	return rl
}

// Sweep drops idle per-IP limiters.
func (rl *RateLimitMiddleware) Sweep() {
	for _, r := range rl.rules {
		r.limiter.Sweep()
	}
}

// Wrap returns an http.Handler that applies per-IP rate limiting before delegating to next.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule := rl.match(r.Method, r.URL.Path)
		clientIP := extractClientIP(r)

		ok, _ := rule.limiter.Allow(context.Background(), clientIP)
		if !ok {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			rl.logger.Warn("admin API rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", clientIP,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) match(method, path string) ruleLimiter {
	for _, r := range rl.rules {
		if r.method != "" && !strings.EqualFold(r.method, method) {
			continue
		}
		if strings.HasPrefix(path, r.prefix) {
			return r
		}
	}
	return rl.rules[len(rl.rules)-1]
}

// extractClientIP prefers the first X-Forwarded-For hop, then X-Real-IP,
// then the connection address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
