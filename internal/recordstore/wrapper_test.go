package recordstore

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rachitkumar205/syncengine/internal/hlc"
	"github.com/rachitkumar205/syncengine/internal/kvstore"
	"github.com/rachitkumar205/syncengine/internal/oplog"
	"github.com/rachitkumar205/syncengine/internal/syncerr"
)

func newTestWrapper(t *testing.T, kp kvstore.KeyPath) (*Wrapper, kvstore.Store) {
	t.Helper()
	db := kvstore.NewMemDatabase()
	primary, _ := db.Store("oplog")
	index, _ := db.Store("oplogIndex")
	ol := oplog.NewStore(primary, index)

	clock := hlc.NewClock("0000000000000001", hlc.DefaultMaxDrift, hlc.DefaultMaxCounter)
	clock.SetTime(hlc.Time{Millis: time.Now().UnixMilli(), Node: "0000000000000001"})

	w, err := NewWrapper(db, "todo", kp, ol, clock)
	if err != nil {
		t.Fatalf("NewWrapper: %v", err)
	}
	store, _ := db.Store("todo")
	return w, store
}

func TestNewWrapper_RejectsNestedKeyPath(t *testing.T) {
	db := kvstore.NewMemDatabase()
	primary, _ := db.Store("oplog")
	index, _ := db.Store("oplogIndex")
	ol := oplog.NewStore(primary, index)
	clock := hlc.NewClock("n", hlc.DefaultMaxDrift, hlc.DefaultMaxCounter)

	_, err := NewWrapper(db, "todo", kvstore.KeyPath{Kind: kvstore.KeyPathScalar, Properties: []string{"a.b"}}, ol, clock)
	if !errors.Is(err, syncerr.UnsupportedStore) {
		t.Fatalf("expected UnsupportedStore, got %v", err)
	}
}

func TestPut_ScalarKeyPath_EmitsOneEntryPerProperty(t *testing.T) {
	w, store := newTestWrapper(t, kvstore.KeyPath{Kind: kvstore.KeyPathScalar, Properties: []string{"id"}})
	ctx := context.Background()

	err := w.Put(ctx, map[string]any{"id": int64(1), "name": "buy milk", "done": false})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	key, _ := kvstore.ObjectKey{int64(1)}.Encode()
	raw, ok, err := store.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec["name"] != "buy milk" {
		t.Errorf("record = %+v, missing merged name", rec)
	}

	for _, prop := range []string{"id", "name", "done"} {
		if _, ok, err := w.oplog.MostRecentEntry(ctx, "todo", kvstore.ObjectKey{int64(1)}, prop); err != nil || !ok {
			t.Errorf("no oplog entry for prop %q: ok=%v err=%v", prop, ok, err)
		}
	}
	if n := countEntries(t, w); n != 3 {
		t.Errorf("oplog holds %d entries, want 3", n)
	}
}

func countEntries(t *testing.T, w *Wrapper) int {
	t.Helper()
	cur := w.oplog.GetEntriesAfter(nil)
	n := 0
	for {
		_, ok, err := cur.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			return n
		}
		n++
	}
}

func TestPut_MergesWithExisting(t *testing.T) {
	w, store := newTestWrapper(t, kvstore.KeyPath{Kind: kvstore.KeyPathScalar, Properties: []string{"id"}})
	ctx := context.Background()

	if err := w.Put(ctx, map[string]any{"id": int64(1), "name": "first"}); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	if err := w.Put(ctx, map[string]any{"id": int64(1), "done": true}); err != nil {
		t.Fatalf("Put 2: %v", err)
	}

	key, _ := kvstore.ObjectKey{int64(1)}.Encode()
	raw, ok, err := store.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec["name"] != "first" || rec["done"] != true {
		t.Errorf("expected merged record to retain both fields, got %+v", rec)
	}
}

func TestPut_KeyPathNone_RequiresExplicitKey(t *testing.T) {
	w, _ := newTestWrapper(t, kvstore.KeyPath{Kind: kvstore.KeyPathNone})
	ctx := context.Background()

	if err := w.Put(ctx, map[string]any{"foo": "bar"}); !errors.Is(err, syncerr.InvalidEntry) {
		t.Fatalf("expected InvalidEntry without explicit key, got %v", err)
	}
	if err := w.Put(ctx, map[string]any{"foo": "bar"}, int64(111), int64(222)); err != nil {
		t.Fatalf("Put with explicit key: %v", err)
	}
}

func TestPut_NonObjectValue_EmitsSingleBlankPropEntry(t *testing.T) {
	w, store := newTestWrapper(t, kvstore.KeyPath{Kind: kvstore.KeyPathNone})
	ctx := context.Background()

	if err := w.Put(ctx, "hello", "greeting"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	key, _ := kvstore.ObjectKey{"greeting"}.Encode()
	raw, ok, err := store.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}

	e, ok, err := w.oplog.MostRecentEntry(ctx, "todo", kvstore.ObjectKey{"greeting"}, "")
	if err != nil || !ok {
		t.Fatalf("MostRecentEntry(prop \"\"): ok=%v err=%v", ok, err)
	}
	if e.Value != "hello" {
		t.Errorf("entry value = %v, want %q", e.Value, "hello")
	}
	if n := countEntries(t, w); n != 1 {
		t.Errorf("oplog holds %d entries, want 1", n)
	}
}
