package httpx

import (
	"sync"
	"time"
)

const memoryLimiterSweepEvery = 5 * time.Minute

// fixedWindow is one key's hit counter; it is reset once resetAt passes.
type fixedWindow struct {
	hits    int
	resetAt time.Time
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow
	now     func() time.Time
	stop    func()
	done    chan struct{}
}

// NewMemoryRateLimiter returns a limiter local to this process. Expired
// windows are swept in the background until Close.
func NewMemoryRateLimiter() RateLimiter {
	done := make(chan struct{})
	rl := &memoryRateLimiter{
		windows: make(map[string]*fixedWindow),
		now:     time.Now,
		stop:    sync.OnceFunc(func() { close(done) }),
		done:    done,
	}
	go rl.sweep(memoryLimiterSweepEvery)
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w := rl.windows[key]
	if w == nil || now.After(w.resetAt) {
		w = &fixedWindow{resetAt: now.Add(window)}
		rl.windows[key] = w
	}
	allowed := w.hits < limit
	if allowed {
		w.hits++
	}
	return rateDecision{allowed: allowed, count: w.hits, windowEnd: w.resetAt}
}

func (rl *memoryRateLimiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.dropExpired(rl.now())
		}
	}
}

func (rl *memoryRateLimiter) dropExpired(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	dropped := 0
	for key, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, key)
			dropped++
		}
	}
	return dropped
}

func (rl *memoryRateLimiter) Close() { rl.stop() }
