package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`

// extendScript resets the TTL only while the key still holds our token.
const extendScript = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`

// ErrNotAcquired is returned when a key stays held until the wait deadline.
var ErrNotAcquired = errors.New("lock not acquired")

// RedisOptions tunes the Redis backend.
type RedisOptions struct {
	Prefix        string
	TTL           time.Duration
	RetryInterval time.Duration
	Wait          time.Duration
}

// Redis locks keys across processes with SET NX PX. Held keys are
// extended every TTL/3 until released, so a lock outlives its TTL only
// while the holder is alive.
type Redis struct {
	client  redis.UniversalClient
	opts    RedisOptions
	release *redis.Script
	extend  *redis.Script
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "tplsync:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	if opts.Wait <= 0 {
		opts.Wait = 10 * time.Second
	}
	return &Redis{
		client:  client,
		opts:    opts,
		release: redis.NewScript(releaseScript),
		extend:  redis.NewScript(extendScript),
	}
}

func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, r.opts.Wait)
	defer cancel()

	acquired := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := r.acquire(ctx, r.opts.Prefix+key, token); err != nil {
			r.releaseAll(acquired, token)
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		acquired = append(acquired, r.opts.Prefix+key)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(acquired, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			r.releaseAll(acquired, token)
		})
	}, nil
}

// keepAlive extends keys until stop is closed. A key that no longer holds
// token was lost to expiry or another holder and is logged, not retaken.
func (r *Redis) keepAlive(keys []string, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.opts.TTL / 3)
	defer ticker.Stop()
	start := time.Now()
	lost := make(map[string]bool, len(keys))
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.TTL/3)
		for _, key := range keys {
			if lost[key] {
				continue
			}
			n, err := r.extend.Run(ctx, r.client, []string{key}, token, r.opts.TTL.Milliseconds()).Int()
			switch {
			case err != nil:
				logrus.WithField("key", key).WithError(err).Warn("Failed to extend lock")
			case n == 0:
				lost[key] = true
				logrus.WithFields(logrus.Fields{
					"key":  key,
					"held": time.Since(start),
					"ttl":  r.opts.TTL,
				}).Warn("Lock expired while held")
			}
		}
		cancel()
	}
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(r.opts.RetryInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.opts.TTL).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrNotAcquired
			}
			return ctx.Err()
		}
	}
}

func (r *Redis) releaseAll(keys []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := r.release.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
			logrus.WithField("key", key).WithError(err).Warn("Failed to release lock")
		}
	}
}
