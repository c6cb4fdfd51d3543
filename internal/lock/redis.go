package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	rdb "github.com/redis/go-redis/v9"

	"github.com/FocuswithJustin/sqlite3schema/internal/logging"
)

// unlockScript deletes the key only while it still holds our token, so an
// expired lock taken over by another process is left alone.
var unlockScript = rdb.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is an advisory lock held as a key with a TTL.
type Redis struct {
	Client *rdb.Client
	Prefix string
	TTL    time.Duration
	Retry  time.Duration
}

// NewRedis creates a Redis lock. The TTL bounds how long a crashed holder
// blocks others; it must exceed the longest expected rebuild.
func NewRedis(client *rdb.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "sqlite3schema:lock:"
	}
	return &Redis{
		Client: client,
		Prefix: prefix,
		TTL:    ttl,
		Retry:  100 * time.Millisecond,
	}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string, db int) (*rdb.Client, error) {
	c := rdb.NewClient(&rdb.Options{Addr: addr, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return c, nil
}

// Lock polls until the key is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.Prefix + key
	token := uuid.NewString()
	for {
		ok, err := r.Client.SetNX(ctx, redisKey, token, r.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", redisKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.Retry):
		}
	}
	return func() {
		// the caller's context may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, r.Client, []string{redisKey}, token).Err(); err != nil {
			logging.Warn("redis unlock failed", "key", redisKey, "error", err)
		}
	}, nil
}
