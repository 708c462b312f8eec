// Package admission implements the per-source and global token-bucket
// rate limiter plus per-source concurrency cap that gate every request
// before it reaches the inference backend. A request must hold tokens in
// both the per-source and the global bucket, and must be under the
// concurrency cap, before it is admitted.
package admission

import (
	"sync"
	"time"

	"chatsafe/internal/apierr"
	"chatsafe/internal/events"
)

// Clock abstracts time so tests can drive refill deterministically
// without sleeping.
type Clock interface {
	Now() time.Time
}

// realClock is the default Clock, backed by the monotonic wall clock.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config tunes bucket capacity, refill rate, and concurrency limits. See
// config.Defaults for the values this gateway ships with.
type Config struct {
	PerKeyCapacity      float64
	PerKeyRefillPerSec  float64
	GlobalCapacity      float64
	GlobalRefillPerSec  float64
	MaxConcurrentPerKey int
	IdleEvictAfter      time.Duration
	Clock               Clock
	Publisher           events.Publisher
}

// bucket is one token-bucket's mutable state.
type bucket struct {
	tokens      float64
	capacity    float64
	refillPerS  float64
	lastRefill  time.Time
	concurrency int
	lastSeen    time.Time
}

func newBucket(capacity, refillPerS float64, now time.Time) *bucket {
	return &bucket{tokens: capacity, capacity: capacity, refillPerS: refillPerS, lastRefill: now, lastSeen: now}
}

// refill advances tokens by elapsed time * rate, capped at capacity. The
// caller must hold the controller's per-key lock.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPerS
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Controller admits requests against a per-key bucket, a shared global
// bucket, and a per-key concurrency cap. All state transitions for a
// single key are serialized by that key's own lock; different keys never
// contend with each other.
type Controller struct {
	cfg    Config
	clock  Clock
	global *bucket
	gmu    sync.Mutex

	mu    sync.Mutex
	keyed map[string]*keyedBucket

	stopSweep chan struct{}
}

// New builds a Controller and starts its idle-bucket eviction sweep.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NoOp{}
	}
	if cfg.IdleEvictAfter <= 0 {
		cfg.IdleEvictAfter = 5 * time.Minute
	}
	now := cfg.Clock.Now()
	c := &Controller{
		cfg:       cfg,
		clock:     cfg.Clock,
		global:    newBucket(cfg.GlobalCapacity, cfg.GlobalRefillPerSec, now),
		keyed:     make(map[string]*keyedBucket),
		stopSweep: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Close stops the idle-bucket eviction sweep. Safe to call once.
func (c *Controller) Close() { close(c.stopSweep) }

// Guard represents one admitted request's held slots. Release must be
// called exactly once, typically via defer, to return the concurrency
// slot; it is idempotent.
type Guard struct {
	release func()
	once    sync.Once
}

// Release returns this request's concurrency slot. Safe to call more
// than once or concurrently; only the first call has an effect.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// Admit attempts to admit a request keyed by source address (e.g. a
// client IP). On success it returns a Guard whose Release returns the
// concurrency slot; on failure it returns apierr.RateLimited and
// publishes an admission_rejected event naming the offending dimension
// (concurrency, per_key, or global).
func (c *Controller) Admit(key string) (*Guard, error) {
	now := c.clock.Now()

	b := c.bucketFor(key, now)

	b.mu().Lock()
	defer b.mu().Unlock()

	b.bucket.refill(now)
	b.bucket.lastSeen = now

	if b.bucket.concurrency >= c.cfg.MaxConcurrentPerKey {
		c.cfg.Publisher.Publish(events.Event{Name: "admission_rejected", Fields: map[string]any{"key": key, "dimension": "concurrency"}})
		return nil, apierr.RateLimited("too many concurrent requests")
	}
	if b.bucket.tokens < 1 {
		c.cfg.Publisher.Publish(events.Event{Name: "admission_rejected", Fields: map[string]any{"key": key, "dimension": "per_key"}})
		return nil, apierr.RateLimited("too many requests")
	}

	c.gmu.Lock()
	c.global.refill(now)
	if c.global.tokens < 1 {
		c.gmu.Unlock()
		c.cfg.Publisher.Publish(events.Event{Name: "admission_rejected", Fields: map[string]any{"key": key, "dimension": "global"}})
		return nil, apierr.RateLimited("too many requests")
	}
	c.global.tokens--
	c.gmu.Unlock()

	b.bucket.tokens--
	b.bucket.concurrency++

	guard := &Guard{}
	guard.release = func() {
		b.mu().Lock()
		if b.bucket.concurrency > 0 {
			b.bucket.concurrency--
		}
		b.mu().Unlock()
	}
	return guard, nil
}

// keyedBucket pairs a bucket with its own lock so keys never contend.
type keyedBucket struct {
	bucket *bucket
	lock   sync.Mutex
}

func (k *keyedBucket) mu() *sync.Mutex { return &k.lock }

func (c *Controller) bucketFor(key string, now time.Time) *keyedBucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	kb, ok := c.byKey(key)
	if ok {
		return kb
	}
	nb := &keyedBucket{bucket: newBucket(c.cfg.PerKeyCapacity, c.cfg.PerKeyRefillPerSec, now)}
	c.store(key, nb)
	return nb
}

// The controller stores *keyedBucket by key; kept as thin helpers so
// bucketFor reads cleanly above the map's underlying representation.
func (c *Controller) byKey(key string) (*keyedBucket, bool) {
	kb, ok := c.keyed[key]
	return kb, ok
}

func (c *Controller) store(key string, kb *keyedBucket) {
	c.keyed[key] = kb
}

func (c *Controller) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepIdle()
		}
	}
}

func (c *Controller) sweepIdle() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, kb := range c.keyed {
		kb.lock.Lock()
		idle := now.Sub(kb.bucket.lastSeen)
		inUse := kb.bucket.concurrency > 0
		kb.lock.Unlock()
		if !inUse && idle > c.cfg.IdleEvictAfter {
			delete(c.keyed, key)
		}
	}
}
