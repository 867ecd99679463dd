package rest

import (
	"math"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// rateLimitKey identifies the caller: the token subject when authenticated,
// otherwise the client address
func rateLimitKey(r *http.Request) string {
	if claims, ok := GetClaims(r.Context()); ok {
		return "user:" + claims.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// rateLimitMiddleware rejects callers that exceed their append budget with 429
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rateLimitKey(r)

		result, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			s.logger.Error("Rate limit check failed", zap.String("key", key), zap.Error(err))
			w.Header().Set("Retry-After", "1")
			WriteError(w, http.StatusServiceUnavailable, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable", nil)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			retry := int(math.Ceil(result.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			s.logger.Warn("Rate limit exceeded", zap.String("key", key), zap.String("path", r.URL.Path))
			WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
