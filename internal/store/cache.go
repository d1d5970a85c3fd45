// Package store provides the in-memory result cache for parsed resources.
package store

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"ncmparse/pkg/ncmlink"
)

const (
	// DefaultSize is the number of models kept when no size is configured.
	DefaultSize = 1000
	// DefaultFalsePositiveRate is the bloom filter target rate.
	DefaultFalsePositiveRate = 0.001
	// rebuildFactor controls how many adds the bloom filter absorbs before it is rebuilt
	// from the live keys.
	rebuildFactor = 2
)

var _ ncmlink.Cache = (*ResultCache)(nil)

// Recorder receives cache lookups.
type Recorder interface {
	RecordCacheLookup(kind string, hit bool)
}

// ResultCache keeps recently parsed models keyed by kind:id. A bloom filter answers most
// misses without touching the LRU. Entries expire after the configured TTL.
type ResultCache struct {
	models            *expirable.LRU[string, ncmlink.Model]
	seen              *bloom.BloomFilter
	mutex             sync.RWMutex
	size              int
	added             int
	falsePositiveRate float64
	recorder          Recorder
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithRecorder attaches a lookup recorder.
func WithRecorder(recorder Recorder) Option {
	return func(c *ResultCache) {
		c.recorder = recorder
	}
}

// NewResultCache creates a cache holding up to size models for ttl each. A zero ttl keeps
// entries until they are evicted by size.
func NewResultCache(size int, ttl time.Duration, falsePositiveRate float64, opts ...Option) *ResultCache {
	if size <= 0 {
		size = DefaultSize
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultFalsePositiveRate
	}

	c := &ResultCache{
		models:            expirable.NewLRU[string, ncmlink.Model](size, nil, ttl),
		seen:              bloom.NewWithEstimates(uint(size), falsePositiveRate),
		size:              size,
		falsePositiveRate: falsePositiveRate,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached model for ref.
func (c *ResultCache) Get(ref ncmlink.Reference) (ncmlink.Model, bool) {
	key := ref.String()

	c.mutex.RLock()
	maybe := c.seen.TestString(key)
	c.mutex.RUnlock()

	var (
		model ncmlink.Model
		hit   bool
	)
	if maybe {
		model, hit = c.models.Get(key)
	}

	if c.recorder != nil {
		c.recorder.RecordCacheLookup(ref.Kind.String(), hit)
	}
	return model, hit
}

// Add stores model under ref. Nil models are ignored.
func (c *ResultCache) Add(ref ncmlink.Reference, model ncmlink.Model) {
	if model == nil {
		return
	}
	key := ref.String()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.models.Add(key, model)
	c.seen.AddString(key)
	c.added++

	if c.added > c.size*rebuildFactor {
		c.rebuild()
	}
}

// Remove drops ref from the cache.
func (c *ResultCache) Remove(ref ncmlink.Reference) {
	c.models.Remove(ref.String())
}

// Len returns the number of live entries.
func (c *ResultCache) Len() int {
	return c.models.Len()
}

// Purge removes every entry.
func (c *ResultCache) Purge() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.models.Purge()
	c.seen = bloom.NewWithEstimates(uint(c.size), c.falsePositiveRate)
	c.added = 0
}

// rebuild replaces the bloom filter with one holding only the live keys, since evicted keys
// cannot be removed from a bloom filter. Callers hold the write lock.
func (c *ResultCache) rebuild() {
	keys := c.models.Keys()
	seen := bloom.NewWithEstimates(uint(c.size), c.falsePositiveRate)
	for _, key := range keys {
		seen.AddString(key)
	}
	c.seen = seen
	c.added = len(keys)
}
