package rate

import (
	"context"
	"log/slog"
	"time"

	"keypanel/backend/internal/logging"

	"github.com/go-redis/redis/v8"
)

// The window starts with the first hit; later hits only count.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter is a fixed-window limiter shared by every API instance. When
// Redis is unreachable it lets requests through and logs.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	logger *slog.Logger
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		logger: logging.OrDefault(logger),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	if l.limit <= 0 {
		return true
	}
	n, err := windowScript.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64()
	if err != nil {
		l.logger.Warn("rate_limit", "status", "redis_error", "prefix", l.prefix, "error", err)
		return true
	}
	return n <= int64(l.limit)
}

// NewRedisClient parses url and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
