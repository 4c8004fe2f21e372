package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/limit"
	"github.com/zeromicro/go-zero/core/stores/redis"
)

const windowPeriod = 60 * time.Second

// MemoryWindow counts in process memory. Suitable for a single instance.
type MemoryWindow struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
	sweepAt time.Time
}

type memoryEntry struct {
	count   int
	expires time.Time
}

// NewMemoryWindow creates an in-memory window store.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{entries: make(map[string]*memoryEntry), now: time.Now}
}

func (w *MemoryWindow) Take(_ context.Context, key string, limit int) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.sweep(now)

	e, ok := w.entries[key]
	if !ok || !now.Before(e.expires) {
		e = &memoryEntry{expires: now.Add(windowPeriod)}
		w.entries[key] = e
	}
	if e.count >= limit {
		return false, nil
	}
	e.count++
	return true, nil
}

// sweep drops expired windows at most once per period.
func (w *MemoryWindow) sweep(now time.Time) {
	if now.Before(w.sweepAt) {
		return
	}
	for key, e := range w.entries {
		if !now.Before(e.expires) {
			delete(w.entries, key)
		}
	}
	w.sweepAt = now.Add(windowPeriod)
}

// Len returns the number of live windows.
func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// RedisWindow shares counters across instances through Redis, using
// period limiters aligned to the minute.
type RedisWindow struct {
	store    *redis.Redis
	limiters sync.Map // quota -> *limit.PeriodLimit
}

// NewRedisWindow creates a window store on a Redis connection.
func NewRedisWindow(store *redis.Redis) *RedisWindow {
	return &RedisWindow{store: store}
}

func (w *RedisWindow) Take(ctx context.Context, key string, quota int) (bool, error) {
	l, ok := w.limiters.Load(quota)
	if !ok {
		// keys already carry the prefix
		l, _ = w.limiters.LoadOrStore(quota,
			limit.NewPeriodLimit(int(windowPeriod.Seconds()), quota, w.store, "", limit.Align()))
	}

	code, err := l.(*limit.PeriodLimit).TakeCtx(ctx, key)
	if err != nil {
		return false, err
	}
	switch code {
	case limit.Allowed, limit.HitQuota:
		return true, nil
	}
	return false, nil
}
