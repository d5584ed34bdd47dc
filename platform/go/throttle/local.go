package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local keeps one rate.Limiter per key in process memory.
type Local struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*localBucket
}

var _ Throttler = (*Local)(nil)

func NewLocal(cfg Config) *Local {
	return &Local{cfg: cfg.normalized(), now: time.Now, buckets: make(map[string]*localBucket)}
}

func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(rate.Every(l.cfg.RefillEvery), l.cfg.Capacity)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}

	return Decision{Allowed: true, Remaining: int(b.limiter.TokensAt(now))}, nil
}

func (l *Local) evict(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.TTL {
			delete(l.buckets, key)
		}
	}
}
