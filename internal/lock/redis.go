package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hybridvault/hybridvault/internal/logging"
	"github.com/hybridvault/hybridvault/internal/metrics"
	"github.com/hybridvault/hybridvault/internal/retry"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisConfig configures RedisLocker.
type RedisConfig struct {
	URL         string        // redis://<user>:<password>@<host>:<port>/<db>
	TTL         time.Duration // lease length, renewed while held; protects against crashed holders
	WaitTimeout time.Duration // upper bound on Lock when ctx has no deadline
	KeyPrefix   string
}

// RedisLocker is a Locker shared by every process pointing at the same Redis.
type RedisLocker struct {
	client *redis.Client
	cfg    RedisConfig
	policy retry.Policy
}

// NewRedisLocker connects and pings Redis.
func NewRedisLocker(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisLocker(client, cfg), nil
}

func newRedisLocker(client *redis.Client, cfg RedisConfig) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "hybridvault:lock:"
	}
	return &RedisLocker{
		client: client,
		cfg:    cfg,
		policy: retry.Policy{
			InitialWait: 20 * time.Millisecond,
			MaxWait:     500 * time.Millisecond,
			Multiplier:  1.5,
			Jitter:      0.3,
		},
	}
}

var errHeld = errors.New("lock held")

// Lock implements Locker.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.WaitTimeout)
		defer cancel()
	}

	redisKey := r.cfg.KeyPrefix + key
	token := uuid.NewString()

	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.cfg.TTL).Result()
		if err != nil {
			return err
		}
		if !ok {
			return retry.Transient(errHeld)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, key)
		}
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	metrics.RecordLockWait("redis", time.Since(start))

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			relCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = releaseScript.Run(relCtx, r.client, []string{redisKey}, token).Err()
		})
	}, nil
}

// keepAlive renews the lease every third of the TTL until stop is closed, so
// a holder running longer than the TTL keeps the lock.
func (r *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TTL/3)
			n, err := renewScript.Run(ctx, r.client, []string{redisKey}, token, r.cfg.TTL.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				logging.Warn("lock renewal failed", zap.String("key", redisKey), zap.Error(err))
			case n == 0:
				logging.Warn("lock lease lost", zap.String("key", redisKey))
				return
			}
		}
	}
}

// Close closes the Redis client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
