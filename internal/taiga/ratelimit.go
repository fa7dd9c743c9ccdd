package taiga

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decide si una llamada al upstream identificado por key puede salir ahora.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// MemoryLimiter es un token bucket por host: perMinute de rafaga, recarga perMinute/min.
type MemoryLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	perMinute int
	now       func() time.Time
}

func NewMemoryLimiter(perMinute int) *MemoryLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &MemoryLimiter{
		limiters:  make(map[string]*rate.Limiter),
		perMinute: perMinute,
		now:       time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.limiters[key] = lim
	}
	now := l.now()
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}

// Forget descarta el bucket de key.
func (l *MemoryLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}
