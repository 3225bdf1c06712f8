package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/facecraft/internal/ratelimit"
)

const headerClientID = "X-Client-ID"

type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
	AllowN(ctx context.Context, subject string, cost int) (ratelimit.Decision, error)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		subject := s.rateLimitSubject(r)
		decision, err := s.rateLimiter.Allow(r.Context(), subject)
		if err != nil {
			s.logger.Printf("rate limiter check failed subject=%s err=%v", subject, err)
			next.ServeHTTP(w, r)
			return
		}
		if !s.admit(w, r, decision) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// chargeExtra takes cost more tokens from the caller's bucket. Batch uploads
// pay one token per file; the first was taken by the middleware.
func (s *Server) chargeExtra(w http.ResponseWriter, r *http.Request, cost int) bool {
	if s.rateLimiter == nil || cost < 1 {
		return true
	}
	subject := s.rateLimitSubject(r)
	decision, err := s.rateLimiter.AllowN(r.Context(), subject, cost)
	if err != nil {
		s.logger.Printf("rate limiter charge failed subject=%s cost=%d err=%v", subject, cost, err)
		return true
	}
	return s.admit(w, r, decision)
}

// admit writes the rate limit headers and, when the decision denies the
// request, the 429 response.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, decision ratelimit.Decision) bool {
	h := w.Header()
	if decision.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	}
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.ResetAfter > 0 {
		h.Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(decision.ResetAfter)))
	}
	if decision.Allowed {
		return true
	}

	h.Set("Retry-After", strconv.Itoa(max(ceilSeconds(decision.RetryAfter), 1)))
	s.metrics.rateLimited.WithLabelValues(s.routeLabel(r)).Inc()
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// rateLimitSubject keys the bucket on the client id header, falling back to
// the remote address.
func (s *Server) rateLimitSubject(r *http.Request) string {
	subject := strings.TrimSpace(r.Header.Get(headerClientID))
	if subject == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		subject = host
	}
	if subject == "" {
		subject = "anonymous"
	}
	return subject + ":" + s.routeLabel(r)
}

func shouldRateLimit(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/v1/")
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
