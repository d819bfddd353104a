package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"k8s.io/utils/clock"

	"authcoord/internal/auth"
	"authcoord/internal/events"
	"authcoord/internal/metrics"
	"authcoord/pkg/logging"
)

const (
	DefaultMaxSize         = 1000
	DefaultTTL             = 30 * time.Minute
	DefaultCleanupInterval = time.Minute
)

// Config sizes the cache.
type Config struct {
	MaxSize    int
	DefaultTTL time.Duration
}

type entry struct {
	key    string
	creds  auth.Credentials
	expiry time.Time
}

// TokenCache is a bounded, TTL-aware LRU cache of credentials keyed by session id.
//
// The recency order lives in a groupcache LRU; a side map allows lookups that
// must not touch recency (Has, UpdateTTL, Cleanup). Both are guarded by mu and
// always hold the same key set.
type TokenCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *lru.Cache
	entries map[string]*entry

	clock   clock.PassiveClock
	metrics *metrics.Metrics
	bus     *events.Bus

	hits         int64
	misses       int64
	evictions    int64
	expirations  int64
	accesses     int64
	totalLatency time.Duration
}

// Option configures a TokenCache.
type Option func(*TokenCache)

// WithClock sets the time source.
func WithClock(c clock.PassiveClock) Option {
	return func(tc *TokenCache) { tc.clock = c }
}

// WithMetrics records cache activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(tc *TokenCache) { tc.metrics = m }
}

// WithEvents publishes eviction and expiration events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(tc *TokenCache) { tc.bus = bus }
}

// New creates a cache. Zero config fields take the package defaults.
func New(cfg Config, opts ...Option) (*TokenCache, error) {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxSize < 0 {
		return nil, fmt.Errorf("cache maxSize must be positive, got %d", cfg.MaxSize)
	}
	if cfg.DefaultTTL < 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", cfg.DefaultTTL)
	}

	c := &TokenCache{
		maxSize: cfg.MaxSize,
		ttl:     cfg.DefaultTTL,
		entries: make(map[string]*entry),
		clock:   clock.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}

	// MaxEntries stays 0: capacity is enforced in Set so that evictions can be
	// told apart from explicit removals.
	c.order = lru.New(0)
	c.order.OnEvicted = func(key lru.Key, _ interface{}) {
		delete(c.entries, key.(string))
	}
	return c, nil
}

// Get returns the credentials for key. An expired entry is removed, counted as
// an expiration and reported as a miss.
func (c *TokenCache) Get(key string) (auth.Credentials, bool) {
	start := c.clock.Now()

	c.mu.Lock()
	creds, ok, expired := c.getLocked(key, start)
	c.recordAccessLocked(c.clock.Since(start))
	c.mu.Unlock()

	if expired {
		c.metrics.RecordCacheExpirations(1)
		c.bus.Emit(events.ReasonCacheExpired, events.EventData{Key: key})
	}
	if ok {
		c.metrics.RecordCacheHit()
	} else {
		c.metrics.RecordCacheMiss()
	}
	c.metrics.ObserveCacheLatency(c.clock.Since(start))
	return creds, ok
}

func (c *TokenCache) getLocked(key string, now time.Time) (creds auth.Credentials, ok, expired bool) {
	v, found := c.order.Get(key)
	if !found {
		c.misses++
		return nil, false, false
	}

	e := v.(*entry)
	if !now.Before(e.expiry) {
		c.order.Remove(key)
		c.expirations++
		c.misses++
		c.updateSizeLocked()
		return nil, false, true
	}

	c.hits++
	return e.creds, true, false
}

// Set caches creds under key with the default TTL.
func (c *TokenCache) Set(key string, creds auth.Credentials) {
	// The default TTL is validated positive in New.
	_ = c.SetWithTTL(key, creds, c.ttl)
}

// SetWithTTL caches creds under key for ttl. A full cache evicts its least
// recently used entry first. Re-setting an existing key replaces the value
// and moves it to the front without changing the size.
func (c *TokenCache) SetWithTTL(key string, creds auth.Credentials, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}
	if creds == nil {
		return fmt.Errorf("cannot cache nil credentials")
	}

	var evicted string

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		evicted = c.evictOldestLocked()
		c.evictions++
	}
	e := &entry{key: key, creds: creds, expiry: c.clock.Now().Add(ttl)}
	c.entries[key] = e
	c.order.Add(key, e)
	c.updateSizeLocked()
	c.mu.Unlock()

	if evicted != "" {
		c.metrics.RecordCacheEviction()
		c.bus.Emit(events.ReasonCacheEvicted, events.EventData{Key: evicted})
		logging.Debug("Cache", "Evicted least recently used entry %s", logging.TruncateSessionID(evicted))
	}
	return nil
}

// evictOldestLocked drops the least recently used entry and returns its key.
// groupcache's LRU does not return the key, so the OnEvicted hook is wrapped
// for the duration of the call.
func (c *TokenCache) evictOldestLocked() string {
	var oldest string
	hook := c.order.OnEvicted
	c.order.OnEvicted = func(key lru.Key, v interface{}) {
		oldest = key.(string)
		hook(key, v)
	}
	c.order.RemoveOldest()
	c.order.OnEvicted = hook
	return oldest
}

// Delete removes key and reports whether it was present.
func (c *TokenCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.order.Remove(key)
	c.updateSizeLocked()
	return true
}

// Clear removes every entry. Cleared entries are not counted as evictions.
func (c *TokenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Clear()
	c.entries = make(map[string]*entry)
	c.updateSizeLocked()
}

// Size returns the number of entries, including expired ones not yet swept.
func (c *TokenCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// DefaultTTL returns the TTL applied by Set.
func (c *TokenCache) DefaultTTL() time.Duration {
	return c.ttl
}

// Has reports whether key holds a live entry without changing its recency.
func (c *TokenCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && c.clock.Now().Before(e.expiry)
}

// UpdateTTL resets key's expiry to now+ttl. It reports false when key is not
// cached or already expired.
func (c *TokenCache) UpdateTTL(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiry) {
		return false, nil
	}
	e.expiry = now.Add(ttl)
	return true, nil
}

// Cleanup removes every expired entry and returns how many were removed.
func (c *TokenCache) Cleanup() int {
	now := c.clock.Now()

	c.mu.Lock()
	var expired []string
	for key, e := range c.entries {
		if !now.Before(e.expiry) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.order.Remove(key)
	}
	c.expirations += int64(len(expired))
	c.updateSizeLocked()
	c.mu.Unlock()

	if len(expired) > 0 {
		c.metrics.RecordCacheExpirations(len(expired))
		for _, key := range expired {
			c.bus.Emit(events.ReasonCacheExpired, events.EventData{Key: key})
		}
		logging.Debug("Cache", "Swept %d expired entries", len(expired))
	}
	return len(expired)
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Size           int           `json:"size"`
	MaxSize        int           `json:"maxSize"`
	Hits           int64         `json:"hits"`
	Misses         int64         `json:"misses"`
	Evictions      int64         `json:"evictions"`
	Expirations    int64         `json:"expirations"`
	HitRate        float64       `json:"hitRate"`
	AverageLatency time.Duration `json:"averageLatency"`
}

// Stats returns the current counters.
func (c *TokenCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:        len(c.entries),
		MaxSize:     c.maxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if c.accesses > 0 {
		s.AverageLatency = c.totalLatency / time.Duration(c.accesses)
	}
	return s
}

func (c *TokenCache) recordAccessLocked(d time.Duration) {
	c.accesses++
	c.totalLatency += d
}

func (c *TokenCache) updateSizeLocked() {
	c.metrics.SetCacheSize(len(c.entries))
}
