// Package cache provides compiled-plan caching for HuginnDB.
//
// Compiling a where-expression into a predicate closure is cheap but not
// free, and subscriptions, snapshots and the auto-indexer frequently reuse
// the same expressions. The plan cache avoids re-compiling identical
// expressions, keyed by a stable fingerprint of the IR tree.
//
// Features:
// - LRU eviction for bounded memory
// - TTL expiration for stale plans
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	cache := cache.NewPlanCache(1000, 5*time.Minute)
//
//	key := cache.Key(whereExpr)
//	if plan, ok := cache.Get(key); ok {
//		return plan.(*CompiledPlan) // Cache hit
//	}
//
//	plan := compile(whereExpr)
//	cache.Put(key, plan)
package cache

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/huginndb/pkg/expr"
)

// PlanCache is a thread-safe LRU cache for compiled expression plans.
//
// The cache uses:
// - Hash map for O(1) lookups
// - Doubly-linked list for LRU ordering
// - TTL for automatic expiration
type PlanCache struct {
	mu sync.RWMutex

	// Configuration
	maxSize int
	ttl     time.Duration
	enabled bool

	// LRU list and map
	list  *list.List
	items map[uint64]*list.Element

	// Statistics
	hits   uint64
	misses uint64
}

// cacheEntry holds a cached item with metadata.
type cacheEntry struct {
	key       uint64
	value     any
	expiresAt time.Time
}

// NewPlanCache creates a new plan cache.
//
// Parameters:
//   - maxSize: Maximum number of cached plans (LRU eviction when exceeded)
//   - ttl: Time-to-live for cached entries (0 = no expiration)
func NewPlanCache(maxSize int, ttl time.Duration) *PlanCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &PlanCache{
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
		list:    list.New(),
		items:   make(map[uint64]*list.Element, maxSize),
	}
}

// Key fingerprints an expression tree. Structurally identical trees produce
// the same key regardless of where they were built.
func (c *PlanCache) Key(e expr.Expression) uint64 {
	h := fnv.New64a()
	writeFingerprint(h, e)
	return h.Sum64()
}

type hashWriter interface {
	Write(p []byte) (int, error)
}

func writeFingerprint(h hashWriter, e expr.Expression) {
	switch n := e.(type) {
	case *expr.ValueExpr:
		fmt.Fprintf(h, "v(%T:%v)", n.V, n.V)
	case *expr.RefExpr:
		fmt.Fprintf(h, "r(")
		for _, p := range n.Path {
			fmt.Fprintf(h, "%s.", p)
		}
		fmt.Fprintf(h, ")")
	case *expr.FuncExpr:
		fmt.Fprintf(h, "f(%s", n.Name)
		for _, a := range n.Args {
			writeFingerprint(h, a)
		}
		fmt.Fprintf(h, ")")
	case *expr.AggExpr:
		fmt.Fprintf(h, "a(%s", n.Name)
		for _, a := range n.Args {
			writeFingerprint(h, a)
		}
		fmt.Fprintf(h, ")")
	case *expr.CollectionRefExpr:
		fmt.Fprintf(h, "c(%s)", n.Alias)
	case *expr.QueryRefExpr:
		fmt.Fprintf(h, "q(%s)", n.Alias)
	default:
		fmt.Fprintf(h, "?(%T)", e)
	}
}

// Get retrieves a cached plan if present and not expired.
//
// Returns (value, true) on cache hit, (nil, false) on miss.
// Moves the entry to front of LRU list on hit.
func (c *PlanCache) Get(key uint64) (any, bool) {
	if !c.enabled {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	c.mu.RLock()
	elem, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)

	// Check TTL
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		c.removeElement(elem)
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	c.mu.Lock()
	c.list.MoveToFront(elem)
	c.mu.Unlock()

	atomic.AddUint64(&c.hits, 1)
	return entry.value, true
}

// Put stores a plan, evicting the least-recently-used entry when full.
func (c *PlanCache) Put(key uint64, value any) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(c.ttl)
		c.list.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
	elem := c.list.PushFront(entry)
	c.items[key] = elem

	for c.list.Len() > c.maxSize {
		oldest := c.list.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}
}

// Invalidate removes a single entry.
func (c *PlanCache) Invalidate(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear drops every entry and resets statistics.
func (c *PlanCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[uint64]*list.Element, c.maxSize)
	atomic.StoreUint64(&c.hits, 0)
	atomic.StoreUint64(&c.misses, 0)
}

// SetEnabled toggles the cache at runtime. A disabled cache reports misses
// for every Get and ignores Put.
func (c *PlanCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// Stats returns hit/miss counters and the current size.
func (c *PlanCache) Stats() (hits, misses uint64, size int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses), c.list.Len()
}

// removeElement drops an element. Caller must hold c.mu.
func (c *PlanCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.list.Remove(elem)
	delete(c.items, entry.key)
}
