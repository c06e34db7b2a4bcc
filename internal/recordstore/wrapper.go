// Package recordstore implements the write-interception decorator
// from spec.md §4.5/§9: a thin wrapper around a host record store
// whose Put composes resolve-key, read-existing, merge, write-record,
// and emit-oplog-entries into one serialized unit. It deliberately
// does not rely on language-level property interception — callers
// must go through the wrapper explicitly.
package recordstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/rachitkumar205/syncengine/internal/hlc"
	"github.com/rachitkumar205/syncengine/internal/kvstore"
	"github.com/rachitkumar205/syncengine/internal/oplog"
	"github.com/rachitkumar205/syncengine/internal/syncerr"
)

// Wrapper intercepts writes against one named record store.
type Wrapper struct {
	mu        sync.Mutex
	db        kvstore.Database
	storeName string
	keyPath   kvstore.KeyPath
	oplog     *oplog.Store
	clock     *hlc.Clock
}

// NewWrapper constructs a Wrapper over storeName, rejecting key paths
// the core does not support (spec.md §4.5: nested properties and
// server-side autoincrement keys).
func NewWrapper(db kvstore.Database, storeName string, keyPath kvstore.KeyPath, oplogStore *oplog.Store, clock *hlc.Clock) (*Wrapper, error) {
	if keyPath.Nested() || keyPath.AutoIncrement {
		return nil, fmt.Errorf("recordstore: store %q: %w", storeName, syncerr.UnsupportedStore)
	}
	return &Wrapper{db: db, storeName: storeName, keyPath: keyPath, oplog: oplogStore, clock: clock}, nil
}

// StoreName returns the wrapped store's name.
func (w *Wrapper) StoreName() string { return w.storeName }

// KeyPath returns the wrapped store's key-path metadata.
func (w *Wrapper) KeyPath() kvstore.KeyPath { return w.keyPath }

// Put intercepts a local write: it resolves the effective object key,
// merges value into any existing record, persists the merged record,
// and emits one oplog entry per enumerable property (or a single
// prop="" entry for a non-object value) — all under one mutex-guarded
// unit of work standing in for a host database transaction.
func (w *Wrapper) Put(ctx context.Context, value any, explicitKey ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	objectKey, err := w.resolveKey(value, explicitKey)
	if err != nil {
		return err
	}
	encodedKey, err := objectKey.Encode()
	if err != nil {
		return fmt.Errorf("recordstore: %w", err)
	}

	store, err := w.db.Store(w.storeName)
	if err != nil {
		return fmt.Errorf("recordstore: resolving store %q: %w", w.storeName, err)
	}

	existingBytes, found, err := store.Get(encodedKey)
	if err != nil {
		return fmt.Errorf("recordstore: reading existing record: %w", err)
	}
	var existing map[string]any
	if found {
		if err := json.Unmarshal(existingBytes, &existing); err != nil {
			return fmt.Errorf("recordstore: decoding existing record: %w", err)
		}
	}

	merged, err := mergeRecord(existing, value)
	if err != nil {
		return err
	}

	entries, err := w.entriesFor(objectKey, value)
	if err != nil {
		return fmt.Errorf("recordstore: %w", err)
	}

	mergedBytes, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("recordstore: encoding merged record: %w", err)
	}

	for _, e := range entries {
		if err := w.oplog.Insert(ctx, e); err != nil {
			return fmt.Errorf("recordstore: %w", errWrap(err, syncerr.TransactionAborted))
		}
	}
	if err := store.Put(encodedKey, mergedBytes); err != nil {
		return fmt.Errorf("recordstore: writing record: %w", errWrap(err, syncerr.TransactionAborted))
	}
	return nil
}

func errWrap(err, sentinel error) error { return fmt.Errorf("%v: %w", err, sentinel) }

// resolveKey implements spec.md §4.5's key-resolution rule: an array
// key path extracts an ordered sequence of properties, a scalar key
// path extracts one property, and KeyPathNone requires the caller to
// supply the key explicitly.
func (w *Wrapper) resolveKey(value any, explicitKey []any) (kvstore.ObjectKey, error) {
	switch w.keyPath.Kind {
	case kvstore.KeyPathComposite:
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("recordstore: composite key path requires an object value: %w", syncerr.InvalidEntry)
		}
		key := make(kvstore.ObjectKey, len(w.keyPath.Properties))
		for i, p := range w.keyPath.Properties {
			v, ok := obj[p]
			if !ok {
				return nil, fmt.Errorf("recordstore: value missing key-path property %q: %w", p, syncerr.InvalidEntry)
			}
			key[i] = v
		}
		return key, nil
	case kvstore.KeyPathScalar:
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("recordstore: scalar key path requires an object value: %w", syncerr.InvalidEntry)
		}
		v, ok := obj[w.keyPath.Properties[0]]
		if !ok {
			return nil, fmt.Errorf("recordstore: value missing key-path property %q: %w", w.keyPath.Properties[0], syncerr.InvalidEntry)
		}
		return kvstore.ObjectKey{v}, nil
	default: // KeyPathNone
		if len(explicitKey) == 0 {
			return nil, fmt.Errorf("recordstore: store %q requires an explicit key: %w", w.storeName, syncerr.InvalidEntry)
		}
		return kvstore.ObjectKey(explicitKey), nil
	}
}

// entriesFor generates one oplog entry per enumerable property of an
// object value, or a single prop="" entry for a non-object value,
// each stamped with a fresh local HLC.
func (w *Wrapper) entriesFor(objectKey kvstore.ObjectKey, value any) ([]oplog.Entry, error) {
	obj, isObject := value.(map[string]any)
	if !isObject {
		ts, err := w.clock.Tick()
		if err != nil {
			return nil, err
		}
		return []oplog.Entry{{
			HLCTime:   hlc.Format(ts),
			Store:     w.storeName,
			ObjectKey: objectKey,
			Prop:      "",
			Value:     value,
		}}, nil
	}

	props := make([]string, 0, len(obj))
	for p := range obj {
		props = append(props, p)
	}
	sort.Strings(props)

	entries := make([]oplog.Entry, 0, len(props))
	for _, p := range props {
		ts, err := w.clock.Tick()
		if err != nil {
			return nil, err
		}
		entries = append(entries, oplog.Entry{
			HLCTime:   hlc.Format(ts),
			Store:     w.storeName,
			ObjectKey: objectKey,
			Prop:      p,
			Value:     obj[p],
		})
	}
	return entries, nil
}

// mergeRecord computes existing ∪ value, value's fields winning on
// collision, per spec.md §4.5.
func mergeRecord(existing map[string]any, value any) (any, error) {
	obj, isObject := value.(map[string]any)
	if !isObject {
		return value, nil
	}
	merged := make(map[string]any, len(existing)+len(obj))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range obj {
		merged[k] = v
	}
	return merged, nil
}
