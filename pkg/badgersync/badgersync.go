// Package badgersync provides a BadgerDB-backed sync source for HuginnDB
// collections.
//
// It is the repository's reference sync adapter: rows persist as JSON values
// under a single-byte key prefix, the initial load streams the stored rows
// into the collection through one begin/write/commit cycle, and the
// collection's mutation handlers write confirmed changes back. The core
// engine never imports this package; it only sees the sync contract.
//
// Example:
//
//	source, err := badgersync.Open[Todo, string](badgersync.Options{Dir: dir},
//		func(t Todo) string { return t.ID })
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer source.Close()
//
//	todos, err := collection.New(collection.Config[Todo, string]{
//		ID:       "todos",
//		GetKey:   func(t Todo) string { return t.ID },
//		Sync:     source.SyncConfig(),
//		OnInsert: source.PersistHandler(),
//		OnUpdate: source.PersistHandler(),
//		OnDelete: source.PersistHandler(),
//	})
//
// Transient Badger errors (conflicts under load) retry with exponential
// backoff before surfacing.
package badgersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/huginndb/pkg/collection"
)

// rowPrefix namespaces row keys; a single byte, as the main storage layers
// around Badger do.
const rowPrefix = byte(0x01)

// Options configures Open.
type Options struct {
	// Dir is the Badger data directory. Ignored when InMemory is set.
	Dir string
	// InMemory runs Badger without disk persistence. Useful for tests.
	InMemory bool
	// SyncWrites forces fsync after each write.
	SyncWrites bool
}

// Source is a Badger-backed sync source for one collection.
type Source[T any, K comparable] struct {
	db     *badger.DB
	getKey func(T) K

	mu       sync.Mutex
	write    func(op collection.SyncWrite[T]) error
	begin    func() error
	commit   func() error
	truncate func() error
	closed   bool
}

// Open opens (or creates) the Badger store.
func Open[T any, K comparable](opts Options, getKey func(T) K) (*Source[T, K], error) {
	if getKey == nil {
		return nil, errors.New("badgersync: getKey is required")
	}
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(opts.Dir)
	}
	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites).WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("badgersync: open: %w", err)
	}
	return &Source[T, K]{db: db, getKey: getKey}, nil
}

// Close closes the underlying store.
func (s *Source[T, K]) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

// SyncConfig returns the collection sync configuration for this source.
func (s *Source[T, K]) SyncConfig() *collection.SyncConfig[T, K] {
	return &collection.SyncConfig[T, K]{
		Sync: s.sync,
	}
}

// sync performs the eager initial load and retains the write functions for
// later pushes.
func (s *Source[T, K]) sync(params collection.SyncParams[T, K]) collection.SyncResult {
	s.mu.Lock()
	s.begin = params.Begin
	s.write = params.Write
	s.commit = params.Commit
	s.truncate = params.Truncate
	s.mu.Unlock()

	if err := s.loadAll(params); err != nil {
		// Leave the collection loading: MarkReady is not called, and the
		// load error is dropped here without being logged or returned. An
		// empty markReady would lie about the data being complete.
		return collection.SyncResult{}
	}
	params.MarkReady()

	return collection.SyncResult{
		Cleanup: func() error {
			s.mu.Lock()
			s.begin, s.write, s.commit, s.truncate = nil, nil, nil, nil
			s.mu.Unlock()
			return nil
		},
	}
}

func (s *Source[T, K]) loadAll(params collection.SyncParams[T, K]) error {
	if err := params.Begin(); err != nil {
		return err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{rowPrefix}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var item T
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			}); err != nil {
				return err
			}
			if err := params.Write(collection.SyncWrite[T]{Type: collection.OpInsert, Value: item}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return params.Commit()
}

// PersistHandler returns a mutation handler that writes a transaction's
// confirmed mutations to Badger and echoes them back through the sync
// write path.
func (s *Source[T, K]) PersistHandler() collection.HandlerFunc {
	return func(ctx context.Context, p collection.HandlerParams) error {
		muts := p.Transaction.Mutations()

		err := s.retry(ctx, func() error {
			return s.db.Update(func(txn *badger.Txn) error {
				for _, m := range muts {
					key, ok := m.Key.(K)
					if !ok {
						continue
					}
					storageKey := s.rowKey(key)
					switch m.Type {
					case collection.OpInsert, collection.OpUpdate:
						item, ok := m.Modified.(T)
						if !ok {
							continue
						}
						data, err := json.Marshal(item)
						if err != nil {
							return backoff.Permanent(err)
						}
						if err := txn.Set(storageKey, data); err != nil {
							return err
						}
					case collection.OpDelete:
						if err := txn.Delete(storageKey); err != nil {
							return err
						}
					}
				}
				return nil
			})
		})
		if err != nil {
			return err
		}

		// Echo the confirmed rows through the sync path so the collection's
		// synced base converges with the store.
		return s.push(muts)
	}
}

// push replays confirmed mutations into the collection as one sync batch.
func (s *Source[T, K]) push(muts []*collection.PendingMutation) error {
	s.mu.Lock()
	begin, write, commit := s.begin, s.write, s.commit
	s.mu.Unlock()
	if begin == nil {
		return nil // collection cleaned up; store remains authoritative
	}

	if err := begin(); err != nil {
		return err
	}
	for _, m := range muts {
		item, ok := m.Modified.(T)
		if !ok {
			continue
		}
		var typ collection.OperationType
		switch m.Type {
		case collection.OpInsert:
			typ = collection.OpInsert
		case collection.OpUpdate:
			typ = collection.OpUpdate
		case collection.OpDelete:
			typ = collection.OpDelete
		}
		if err := write(collection.SyncWrite[T]{Type: typ, Value: item}); err != nil {
			return err
		}
	}
	return commit()
}

// Compact clears the store and re-seeds it with items, then replays the new
// state into the collection under a truncate, exercising the collection's
// truncate semantics end to end.
func (s *Source[T, K]) Compact(items []T) error {
	err := s.retry(context.Background(), func() error {
		return s.db.DropPrefix([]byte{rowPrefix})
	})
	if err != nil {
		return err
	}
	err = s.retry(context.Background(), func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			for _, item := range items {
				data, err := json.Marshal(item)
				if err != nil {
					return backoff.Permanent(err)
				}
				if err := txn.Set(s.rowKey(s.getKey(item)), data); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	begin, write, commit := s.begin, s.write, s.commit
	s.mu.Unlock()
	if begin == nil {
		return nil
	}

	if err := begin(); err != nil {
		return err
	}
	// Truncate must be requested inside the open batch, before its writes.
	if err := s.truncateCurrent(); err != nil {
		return err
	}
	for _, item := range items {
		if err := write(collection.SyncWrite[T]{Type: collection.OpInsert, Value: item}); err != nil {
			return err
		}
	}
	return commit()
}

// truncateCurrent is split out so sync can hand us the truncate function.
func (s *Source[T, K]) truncateCurrent() error {
	s.mu.Lock()
	fn := s.truncate
	s.mu.Unlock()
	if fn == nil {
		return errors.New("badgersync: sync not started")
	}
	return fn()
}

func (s *Source[T, K]) rowKey(key K) []byte {
	return append([]byte{rowPrefix}, []byte(fmt.Sprint(key))...)
}

// retry runs op with exponential backoff for transient Badger failures.
func (s *Source[T, K]) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, badger.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(policy, ctx))
}
