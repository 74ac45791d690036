// Synced-base storage.
//
// The synced layer is a plain hash map unless the collection configures a
// comparator, in which case it is a B+-tree ordered by the comparator (ties
// broken by key) with a hash map alongside for O(1) point reads.
package collection

import (
	"fmt"

	"github.com/tidwall/btree"
)

// syncedStore abstracts the synced base map.
type syncedStore[K comparable, T any] interface {
	Get(key K) (T, bool)
	Set(key K, item T)
	Delete(key K)
	Len() int
	// Each iterates entries; sorted stores iterate in comparator order.
	Each(fn func(key K, item T) bool)
	Clear()
}

// mapStore is the unordered default.
type mapStore[K comparable, T any] struct {
	items map[K]T
}

func newMapStore[K comparable, T any]() *mapStore[K, T] {
	return &mapStore[K, T]{items: make(map[K]T)}
}

func (s *mapStore[K, T]) Get(key K) (T, bool) {
	item, ok := s.items[key]
	return item, ok
}

func (s *mapStore[K, T]) Set(key K, item T) { s.items[key] = item }
func (s *mapStore[K, T]) Delete(key K)      { delete(s.items, key) }
func (s *mapStore[K, T]) Len() int          { return len(s.items) }
func (s *mapStore[K, T]) Clear()            { s.items = make(map[K]T) }

func (s *mapStore[K, T]) Each(fn func(key K, item T) bool) {
	for k, v := range s.items {
		if !fn(k, v) {
			return
		}
	}
}

// sortedStore keeps items ordered by the collection comparator.
type sortedStore[K comparable, T any] struct {
	byKey map[K]T
	tree  *btree.BTreeG[storedItem[K, T]]
}

type storedItem[K comparable, T any] struct {
	key  K
	item T
}

func newSortedStore[K comparable, T any](compare func(a, b T) int) *sortedStore[K, T] {
	return &sortedStore[K, T]{
		byKey: make(map[K]T),
		tree: btree.NewBTreeG(func(a, b storedItem[K, T]) bool {
			if c := compare(a.item, b.item); c != 0 {
				return c < 0
			}
			// Equal items: fall back to the keys' string forms so every
			// entry has a distinct, stable position.
			return fmt.Sprint(a.key) < fmt.Sprint(b.key)
		}),
	}
}

func (s *sortedStore[K, T]) Get(key K) (T, bool) {
	item, ok := s.byKey[key]
	return item, ok
}

func (s *sortedStore[K, T]) Set(key K, item T) {
	if old, ok := s.byKey[key]; ok {
		s.tree.Delete(storedItem[K, T]{key: key, item: old})
	}
	s.byKey[key] = item
	s.tree.Set(storedItem[K, T]{key: key, item: item})
}

func (s *sortedStore[K, T]) Delete(key K) {
	if old, ok := s.byKey[key]; ok {
		s.tree.Delete(storedItem[K, T]{key: key, item: old})
		delete(s.byKey, key)
	}
}

func (s *sortedStore[K, T]) Len() int { return len(s.byKey) }

func (s *sortedStore[K, T]) Clear() {
	s.byKey = make(map[K]T)
	s.tree.Clear()
}

func (s *sortedStore[K, T]) Each(fn func(key K, item T) bool) {
	s.tree.Scan(func(e storedItem[K, T]) bool {
		return fn(e.key, e.item)
	})
}
