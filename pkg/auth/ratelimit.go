package auth

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nust-lifeline/ledger/pkg/api"
)

// Policy is the token-bucket shape for one rate-limited surface.
type Policy struct {
	RPM   int // requests per minute
	Burst int
}

// limiterStore holds one rate.Limiter per actor; entries are never removed.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	policy   Policy
}

func newLimiterStore(policy Policy) *limiterStore {
	return &limiterStore{limiters: make(map[string]*rate.Limiter), policy: policy}
}

func (s *limiterStore) get(actorID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[actorID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(s.policy.RPM)/60.0), s.policy.Burst)
		s.limiters[actorID] = l
	}
	return l
}

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP layer.
// It extracts the actor ID from the authenticated Principal (falls back to
// remote IP), and on limit exceeded returns 429 with a Retry-After header.
func RateLimitMiddleware(policy Policy) func(http.Handler) http.Handler {
	store := newLimiterStore(policy)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID := r.RemoteAddr
			if principal, err := GetPrincipal(r.Context()); err == nil {
				actorID = principal.GetID()
			}

			if !store.get(actorID).Allow() {
				retryAfter := 60 / policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				api.WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
