package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// RepoLimiter rate-limits job admission per repository so one student
// pushing in a tight loop cannot starve the standard tier.
type RepoLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewRepoLimiter creates a limiter with r admissions per second and
// burst b per repository.
func NewRepoLimiter(r float64, b int) *RepoLimiter {
	return &RepoLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether the repository may enqueue another job now.
func (l *RepoLimiter) Allow(repoID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[repoID]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[repoID] = limiter
	}
	return limiter.Allow()
}
