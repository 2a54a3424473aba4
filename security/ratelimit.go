package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultLimiterMaxEntries  = 10000
	defaultLimiterIdleTimeout = 30 * time.Minute
	defaultLimiterSweep       = 5 * time.Minute
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate allowed per key
	RequestsPerSecond float64

	// Burst is the number of requests allowed above the sustained rate
	Burst int

	// MaxEntries caps the number of tracked keys (0 = unlimited). The least
	// recently seen key is dropped when the cap is reached.
	MaxEntries int

	// IdleTimeout forgets keys not seen for this long
	IdleTimeout time.Duration

	// CleanupInterval is how often idle keys are swept
	CleanupInterval time.Duration
}

type bucket struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a keyed token bucket limiter. Keys are typically
// "endpoint:client_ip" for request limiting, or an event fingerprint when
// throttling audit records.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	recency *list.List // front is most recently seen
	cfg     RateLimitConfig
	logger  *slog.Logger
	clock   Clock

	evicted int64
	stop    chan struct{}
	stopped sync.Once
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the given
// burst per key.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(RateLimitConfig{
		RequestsPerSecond: requestsPerSecond,
		Burst:             burst,
		MaxEntries:        defaultLimiterMaxEntries,
	}, logger)
}

// NewRateLimiterWithConfig creates a limiter and starts its idle sweep. Call
// Stop to end the sweep.
func NewRateLimiterWithConfig(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries < 0 {
		cfg.MaxEntries = defaultLimiterMaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultLimiterIdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultLimiterSweep
	}

	rl := &RateLimiter{
		buckets: make(map[string]*list.Element),
		recency: list.New(),
		cfg:     cfg,
		logger:  logger,
		clock:   SystemClock,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// SetClock replaces the time source. Tests use it to refill buckets and age
// out keys without sleeping.
func (rl *RateLimiter) SetClock(clock Clock) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.clock = clock
}

// Allow consumes one token for key and reports whether one was available.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()
	if elem, ok := rl.buckets[key]; ok {
		b := elem.Value.(*bucket)
		b.lastSeen = now
		rl.recency.MoveToFront(elem)
		return b.limiter.AllowN(now, 1)
	}

	if rl.cfg.MaxEntries > 0 && len(rl.buckets) >= rl.cfg.MaxEntries {
		rl.evictOldest()
	}
	b := &bucket{
		key:      key,
		limiter:  rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst),
		lastSeen: now,
	}
	rl.buckets[key] = rl.recency.PushFront(b)
	return b.limiter.AllowN(now, 1)
}

// Len returns the number of keys currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Evictions returns how many keys were dropped to honour MaxEntries. A fast
// growing count means many distinct sources are hitting the server.
func (rl *RateLimiter) Evictions() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.evicted
}

// caller holds rl.mu
func (rl *RateLimiter) evictOldest() {
	elem := rl.recency.Back()
	if elem == nil {
		return
	}
	delete(rl.buckets, elem.Value.(*bucket).key)
	rl.recency.Remove(elem)
	rl.evicted++
	if rl.evicted%1000 == 1 {
		rl.logger.Warn("Rate limiter at capacity, evicting keys",
			"max_entries", rl.cfg.MaxEntries,
			"evictions", rl.evicted)
	}
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(rl.cfg.IdleTimeout)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup forgets keys not seen for longer than maxIdle. The recency list is
// ordered, so the walk stops at the first key that is still active.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.clock().Add(-maxIdle)
	removed := 0
	for elem := rl.recency.Back(); elem != nil; {
		b := elem.Value.(*bucket)
		if !b.lastSeen.Before(cutoff) {
			break
		}
		prev := elem.Prev()
		delete(rl.buckets, b.key)
		rl.recency.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter swept idle keys",
			"removed", removed,
			"remaining", len(rl.buckets))
	}
}

// Stop ends the background sweep. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopped.Do(func() { close(rl.stop) })
}
