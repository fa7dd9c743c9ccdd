package taiga

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisAllowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`

// RedisLimiter es una ventana fija compartida por todos los procesos del bridge
// que apuntan al mismo Redis.
type RedisLimiter struct {
	client redisEvaler
	window time.Duration
	max    int
	prefix string
	logger *zap.Logger
}

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

func NewRedisLimiter(client redis.UniversalClient, max int, logger *zap.Logger) *RedisLimiter {
	if client == nil {
		return nil
	}
	if max <= 0 {
		max = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client: client,
		window: time.Minute,
		max:    max,
		prefix: "taiga:rl:",
		logger: logger,
	}
}

// Allow falla abierto si Redis no responde: el upstream sigue protegido por su propio 429.
func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil || l.client == nil {
		return true
	}
	normalizedKey := strings.ToLower(strings.TrimSpace(key))
	if normalizedKey == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	seconds := int(l.window.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	count, err := l.client.Eval(ctx, redisAllowScript, []string{l.prefix + normalizedKey}, seconds).Int()
	if err != nil {
		l.logger.Warn("redis rate limiter unavailable, allowing request", zap.Error(err))
		return true
	}
	return count <= l.max
}
