// Package lock provides per-host advisory locks taken around linkage
// operations, in process or shared through Redis.
package lock

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// Locker takes every key or none. The returned func releases them.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

// HostKey is the lock key of a host or template.
func HostKey(id int64) string {
	return "host:" + strconv.FormatInt(id, 10)
}

// HostKeys returns the lock keys for ids, sorted and deduplicated.
func HostKeys(ids ...int64) []string {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, HostKey(id))
	}
	return normalize(keys)
}

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Local locks keys within one process.
type Local struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]chan struct{})}
}

func (l *Local) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	acquired := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := l.acquire(ctx, key); err != nil {
			for _, k := range acquired {
				l.release(k)
			}
			return nil, err
		}
		acquired = append(acquired, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, k := range acquired {
				l.release(k)
			}
		})
	}, nil
}

func (l *Local) acquire(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		ch, busy := l.held[key]
		if !busy {
			l.held[key] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Local) release(key string) {
	l.mu.Lock()
	ch, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if ok {
		close(ch)
	}
}
