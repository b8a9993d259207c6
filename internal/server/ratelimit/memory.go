package ratelimit

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// memoryLimiter is an in-memory token bucket limiter.
type memoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	config  Config
	clock   clock.Clock

	stopOnce sync.Once
	stopCh   chan struct{}
}

type tokenBucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewMemoryLimiter creates a token bucket limiter refilling cfg.Requests
// tokens per cfg.Window. A nil clk uses the wall clock.
func NewMemoryLimiter(cfg Config, clk clock.Clock) Stoppable {
	if clk == nil {
		clk = clock.WallClock
	}
	l := &memoryLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  cfg,
		clock:   clk,
		stopCh:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *memoryLimiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	capacity := float64(l.config.Requests)

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &tokenBucket{tokens: capacity - 1, lastUpdate: now}
		return true
	}

	fillRate := capacity / l.config.Window.Seconds()
	b.tokens = min(capacity, b.tokens+now.Sub(b.lastUpdate).Seconds()*fillRate)
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (l *memoryLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len returns the number of tracked keys.
func (l *memoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *memoryLimiter) cleanup() {
	for {
		select {
		case <-l.clock.After(l.config.Window * 2):
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

// cleanupStale drops buckets idle long enough to have refilled completely.
func (l *memoryLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > l.config.Window*2 {
			delete(l.buckets, key)
		}
	}
}

func (l *memoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
