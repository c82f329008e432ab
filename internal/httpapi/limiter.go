package httpapi

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterStore hands out one token bucket per telemetry source so a
// misbehaving meter cannot flood the sample table.
type limiterStore struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

func newLimiterStore(defaultRate rate.Limit, defaultBurst int) *limiterStore {
	return &limiterStore{
		limiters:     map[string]*rate.Limiter{},
		defaultRate:  defaultRate,
		defaultBurst: defaultBurst,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(s.defaultRate, s.defaultBurst)
		s.limiters[key] = limiter
	}
	return limiter
}
