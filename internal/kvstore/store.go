// Package kvstore defines the external key/value object store
// abstraction the sync engine is built on top of (spec.md §1/§4.4):
// "a key/value object store abstraction supporting keyed get/put and
// an ordered index by a byte-lexicographic string key". The engine
// never implements a real embedded database — that is explicitly a
// host concern — but it needs this interface to talk to one, and a
// reference in-memory implementation to exercise its own tests.
package kvstore

import (
	"context"
	"sync"

	"github.com/google/btree"
)

// Store is one named collection of byte-string-keyed records,
// iterable in byte-lexicographic key order. It plays the role of a
// single IndexedDB/LevelDB-style object store.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	// Scan iterates keys in [lower, upper) byte-lexicographic order
	// (or the reverse, if reverse is true) over a short-lived
	// snapshot of the store.
	Scan(ctx context.Context, lower, upper string, reverse bool) (Iterator, error)
}

// Iterator walks a Scan's result set. Callers must call Close when
// done, even after a partial walk.
type Iterator interface {
	Next() bool
	Key() string
	Value() []byte
	Close() error
}

// Database is a named collection of Stores, mirroring a host
// key-value database that can host several object stores (the
// engine's own reserved settings/oplog stores, plus arbitrary
// host-defined record stores).
type Database interface {
	Store(name string) (Store, error)
}

// KeyPathKind classifies how a record store's primary key is derived.
type KeyPathKind int

const (
	// KeyPathNone means the caller must always supply the key
	// explicitly.
	KeyPathNone KeyPathKind = iota
	// KeyPathScalar means the key is a single named property on the
	// record.
	KeyPathScalar
	// KeyPathComposite means the key is an ordered list of named
	// properties on the record.
	KeyPathComposite
)

// KeyPath describes a record store's key-path metadata (spec.md §3).
// Nested property paths (containing ".") and AutoIncrement stores are
// not supported by the write interceptor.
type KeyPath struct {
	Kind          KeyPathKind
	Properties    []string
	AutoIncrement bool
}

// Nested reports whether any property in the key path is a nested
// path (contains a '.').
func (kp KeyPath) Nested() bool {
	for _, p := range kp.Properties {
		for i := 0; i < len(p); i++ {
			if p[i] == '.' {
				return true
			}
		}
	}
	return false
}

// memEntry is the value stored in a btree.BTreeG, ordered by Key.
type memEntry struct {
	Key   string
	Value []byte
}

func memEntryLess(a, b memEntry) bool { return a.Key < b.Key }

// MemStore is a thread-safe, in-memory Store backed by a google/btree
// B-tree ordered index, used by tests and the example cmd. Ground
// truth for its Get/Put/Size shape is internal/storage/store.go in
// the teacher repo, generalized from a single fixed value type to
// opaque byte values with an ordered scan.
type MemStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[memEntry]
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{tree: btree.NewG(32, memEntryLess)}
}

func (s *MemStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tree.Get(memEntry{Key: key})
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(e.Value))
	copy(out, e.Value)
	return out, true, nil
}

func (s *MemStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.tree.ReplaceOrInsert(memEntry{Key: key, Value: cp})
	return nil
}

func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(memEntry{Key: key})
	return nil
}

// Scan returns a snapshot-consistent iterator over [lower, upper).
// The snapshot is taken synchronously under a read lock so that long
// iterations (e.g. oplog pagination, spec.md §5's suspension points)
// never hold the store lock across an await point.
func (s *MemStore) Scan(ctx context.Context, lower, upper string, reverse bool) (Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snapshot []memEntry
	collect := func(e memEntry) bool {
		snapshot = append(snapshot, e)
		return true
	}
	s.tree.AscendRange(memEntry{Key: lower}, memEntry{Key: upper}, collect)

	if reverse {
		for i, j := 0, len(snapshot)-1; i < j; i, j = i+1, j-1 {
			snapshot[i], snapshot[j] = snapshot[j], snapshot[i]
		}
	}

	return &memIterator{ctx: ctx, entries: snapshot, pos: -1}, nil
}

// Size returns the number of keys currently stored.
func (s *MemStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

type memIterator struct {
	ctx     context.Context
	entries []memEntry
	pos     int
}

func (it *memIterator) Next() bool {
	if err := it.ctx.Err(); err != nil {
		return false
	}
	it.pos++
	return it.pos < len(it.entries)
}

func (it *memIterator) Key() string   { return it.entries[it.pos].Key }
func (it *memIterator) Value() []byte { return it.entries[it.pos].Value }
func (it *memIterator) Close() error  { return nil }

// MemDatabase is a Database of MemStores, created lazily by name.
type MemDatabase struct {
	mu     sync.Mutex
	stores map[string]*MemStore
}

// NewMemDatabase constructs an empty in-memory database.
func NewMemDatabase() *MemDatabase {
	return &MemDatabase{stores: make(map[string]*MemStore)}
}

func (d *MemDatabase) Store(name string) (Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.stores[name]
	if !ok {
		s = NewMemStore()
		d.stores[name] = s
	}
	return s, nil
}
