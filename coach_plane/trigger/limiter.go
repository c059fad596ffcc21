package trigger

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UserLimiter rate-limits trigger delivery per user with token buckets, so a
// planning bug or replay storm cannot flood a single user's phone.
type UserLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewUserLimiter creates a limiter allowing perSecond triggers per user with
// the given burst.
func NewUserLimiter(perSecond float64, burst int) *UserLimiter {
	return &UserLimiter{
		limiters: make(map[int64]*rate.Limiter),
		r:        rate.Limit(perSecond),
		b:        burst,
	}
}

// Allow reports whether a trigger for the user may be sent now.
func (l *UserLimiter) Allow(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.bucket(userID).Allow()
}

// Reserve reports whether the user may proceed and, if not, how long the
// caller should wait before retrying.
func (l *UserLimiter) Reserve(userID int64) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.bucket(userID).Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel() // checking only, give the token back
		return false, delay
	}
	return true, 0
}

func (l *UserLimiter) bucket(userID int64) *rate.Limiter {
	limiter, ok := l.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[userID] = limiter
	}
	return limiter
}
