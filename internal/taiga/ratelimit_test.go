package taiga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockRedisEvaler struct {
	lastScript string
	lastKeys   []string
	lastArgs   []interface{}
	result     int64
	err        error
}

func (m *mockRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.lastScript = script
	m.lastKeys = keys
	m.lastArgs = args
	cmd := redis.NewCmd(ctx)
	if m.err != nil {
		cmd.SetErr(m.err)
		return cmd
	}
	cmd.SetVal(m.result)
	return cmd
}

func TestRedisLimiterAllow(t *testing.T) {
	ctx := context.Background()

	t.Run("nil receiver fail-open", func(t *testing.T) {
		var l *RedisLimiter
		if !l.Allow(ctx, "taiga.example") {
			t.Fatalf("expected fail-open for nil limiter")
		}
	})

	t.Run("empty key rejected", func(t *testing.T) {
		l := &RedisLimiter{client: &mockRedisEvaler{result: 1}, window: time.Minute, max: 3, prefix: "taiga:rl:", logger: zap.NewNop()}
		if l.Allow(ctx, "   ") {
			t.Fatalf("expected empty key to be rejected")
		}
	})

	t.Run("allow when count within max", func(t *testing.T) {
		mock := &mockRedisEvaler{result: 3}
		l := &RedisLimiter{client: mock, window: time.Minute, max: 3, prefix: "taiga:rl:", logger: zap.NewNop()}
		if !l.Allow(ctx, " Taiga.Example:9000 ") {
			t.Fatalf("expected allow when count <= max")
		}
		if len(mock.lastKeys) != 1 || mock.lastKeys[0] != "taiga:rl:taiga.example:9000" {
			t.Fatalf("unexpected key normalization, got %+v", mock.lastKeys)
		}
		if len(mock.lastArgs) != 1 || mock.lastArgs[0] != 60 {
			t.Fatalf("expected TTL seconds=60, got %+v", mock.lastArgs)
		}
		if mock.lastScript != redisAllowScript {
			t.Fatalf("expected script to match")
		}
	})

	t.Run("deny when count exceeds max", func(t *testing.T) {
		l := &RedisLimiter{client: &mockRedisEvaler{result: 4}, window: time.Minute, max: 3, prefix: "taiga:rl:", logger: zap.NewNop()}
		if l.Allow(ctx, "taiga.example") {
			t.Fatalf("expected deny when count > max")
		}
	})

	t.Run("redis error fail-open", func(t *testing.T) {
		l := &RedisLimiter{client: &mockRedisEvaler{err: errors.New("redis down")}, window: time.Minute, max: 3, prefix: "taiga:rl:", logger: zap.NewNop()}
		if !l.Allow(ctx, "taiga.example") {
			t.Fatalf("expected fail-open on redis errors")
		}
	})
}

func TestRedisLimiterSharedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	newLimiter := func() *RedisLimiter {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisLimiter(client, 3, zap.NewNop())
	}
	a, b := newLimiter(), newLimiter()

	require.True(t, a.Allow(ctx, "taiga.example"))
	require.True(t, b.Allow(ctx, "taiga.example"))
	require.True(t, a.Allow(ctx, "taiga.example"))
	require.False(t, b.Allow(ctx, "taiga.example"), "fourth call in the window must be rejected across instances")
	require.True(t, a.Allow(ctx, "other.example"), "windows are per host")

	mr.FastForward(time.Minute + time.Second)
	require.True(t, b.Allow(ctx, "taiga.example"))
}

func TestNewRedisLimiterNilClient(t *testing.T) {
	if l := NewRedisLimiter(nil, 10, nil); l != nil {
		t.Fatalf("expected nil limiter without client")
	}
}

func TestMemoryLimiter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(2)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow(ctx, "a"))
	require.True(t, l.Allow(ctx, "a"))
	require.False(t, l.Allow(ctx, "a"))
	require.True(t, l.Allow(ctx, "b"), "buckets are per key")

	now = now.Add(30 * time.Second)
	require.True(t, l.Allow(ctx, "a"))
	require.False(t, l.Allow(ctx, "a"))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Policy {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *Request) (*Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	terminal := func(ctx context.Context, req *Request) (*Response, error) {
		order = append(order, "send")
		return &Response{Status: 200}, nil
	}

	_, err := Chain(terminal, mark("retry"), mark("ratelimit"), mark("timeout"))(context.Background(), NewRequest("GET", "projects"))
	require.NoError(t, err)
	require.Equal(t, []string{"retry", "ratelimit", "timeout", "send"}, order)
}
