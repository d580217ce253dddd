package gate

import (
	"strconv"
	"sync"
	"time"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter counts submissions per (ip, form) in fixed windows.
// A limit of 0 disables it.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewRateLimiter starts a goroutine dropping expired buckets; stop it with Close.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = 10 * time.Minute
	}
	rl := &RateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go rl.gcLoop()
	return rl
}

func (rl *RateLimiter) gcLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.gc()
		}
	}
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if !now.Before(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
}

// Allow records one attempt and reports whether it is within the limit.
func (rl *RateLimiter) Allow(ip string, formID uint64) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	key := ip + "|" + strconv.FormatUint(formID, 10)
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true
	}
	if b.count >= rl.limit {
		return false
	}
	b.count++
	return true
}

func (rl *RateLimiter) Close() {
	if rl == nil {
		return
	}
	rl.closeOnce.Do(func() { close(rl.done) })
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
