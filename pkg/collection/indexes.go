// Index management.
//
// Indexes live on the collection and track the visible view: every emitted
// change event folds into every index, so a committed change and its index
// entries are never observably out of step. With eager auto-indexing, the
// first predicate over a ref field synthesizes a B+-tree index for that
// field — once per (field, compare-options) pair.
package collection

import (
	"fmt"
	"strings"

	"github.com/orneryd/huginndb/pkg/expr"
	"github.com/orneryd/huginndb/pkg/index"
)

// IndexOptions configures CreateIndex.
type IndexOptions struct {
	// Name identifies the index; defaults to the indexed path.
	Name string
	// Compare sets ordering options (nulls placement, string sort mode).
	Compare index.CompareOptions
}

// CreateIndex builds an ordered index over fieldExpr and registers it.
// The index is built from the current visible view before returning.
func (c *Collection[T, K]) CreateIndex(fieldExpr expr.Expression, opts IndexOptions) (index.Index[K], error) {
	name := opts.Name
	if name == "" {
		if ref, ok := fieldExpr.(*expr.RefExpr); ok {
			name = strings.Join(ref.Path, ".")
		} else {
			c.mu.Lock()
			name = fmt.Sprintf("index-%d", len(c.indexes)+1)
			c.mu.Unlock()
		}
	}

	idx, err := index.NewBTreeNamed[K](name, fieldExpr, opts.Compare)
	if err != nil {
		return nil, err
	}
	idx.SetRowErrorHook(func(key any, err error) {
		// The row stays out of the index; the write that carried it is
		// unaffected.
		c.log.Warn().Any("key", key).Err(err).Str("index", name).Msg("row not indexable")
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.indexNames[name]; ok {
		return existing, nil
	}
	c.buildIndexLocked(idx)
	c.indexes = append(c.indexes, idx)
	c.indexNames[name] = idx
	return idx, nil
}

// buildIndexLocked populates an index from the visible view.
func (c *Collection[T, K]) buildIndexLocked(idx *index.BTree[K]) {
	idx.Build(func(yield func(K, any)) {
		c.eachVisibleLocked(func(key K, item T) bool {
			yield(key, item)
			return true
		})
	})
}

// Indexes returns the registered indexes.
func (c *Collection[T, K]) Indexes() []index.Index[K] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]index.Index[K], len(c.indexes))
	copy(out, c.indexes)
	return out
}

// ensureAutoIndexesLocked synthesizes indexes for every ref field a where
// expression compares, when auto-indexing is eager. Caller holds c.mu.
func (c *Collection[T, K]) ensureAutoIndexesLocked(where expr.Expression) {
	if c.cfg.AutoIndex != AutoIndexEager || where == nil {
		return
	}
	for _, path := range index.RefPaths(where) {
		key := strings.Join(path, ".")
		if _, done := c.autoIndexed[key]; done {
			continue
		}
		c.autoIndexed[key] = struct{}{}
		if _, exists := c.indexNames[key]; exists {
			continue
		}
		idx, err := index.NewBTreeNamed[K](key, expr.Ref(path...), index.CompareOptions{})
		if err != nil {
			c.log.Warn().Err(err).Str("field", key).Msg("auto-index failed to compile")
			continue
		}
		name := key
		idx.SetRowErrorHook(func(rowKey any, err error) {
			c.log.Warn().Any("key", rowKey).Err(err).Str("index", name).Msg("row not indexable")
		})
		c.buildIndexLocked(idx)
		c.indexes = append(c.indexes, idx)
		c.indexNames[key] = idx
		c.log.Debug().Str("field", key).Msg("auto-created index")
	}
}
