package sync

import (
	"context"
	"sort"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/rachitkumar205/syncengine/internal/apply"
	"github.com/rachitkumar205/syncengine/internal/hlc"
	"github.com/rachitkumar205/syncengine/internal/kvstore"
	"github.com/rachitkumar205/syncengine/internal/merkle"
	"github.com/rachitkumar205/syncengine/internal/oplog"
	"github.com/rachitkumar205/syncengine/internal/settings"
	"github.com/rachitkumar205/syncengine/internal/transport"
)

// fakeTransport is an in-memory transport.Plugin double used only by
// this package's tests.
type fakeTransport struct {
	mu      sync.Mutex
	entries map[string][]oplog.Entry // clientID -> uploaded entries, in upload order
	merkles map[string]*merkle.Tree  // clientID -> latest snapshot
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{entries: make(map[string][]oplog.Entry), merkles: make(map[string]*merkle.Tree)}
}

func (f *fakeTransport) PluginID() string                               { return "fake" }
func (f *fakeTransport) Load(ctx context.Context) error                 { return nil }
func (f *fakeTransport) SignIn(ctx context.Context) error                { return nil }
func (f *fakeTransport) SignOut(ctx context.Context) error               { return nil }
func (f *fakeTransport) IsSignedIn() bool                                { return true }
func (f *fakeTransport) UserProfile() (transport.Profile, bool)          { return transport.Profile{}, false }
func (f *fakeTransport) AddSignInChangeListener(fn transport.SignInListener) {}
func (f *fakeTransport) GetSettings(ctx context.Context) ([]byte, error) { return nil, nil }
func (f *fakeTransport) SetSettings(ctx context.Context, data []byte) error { return nil }

func (f *fakeTransport) SaveRemoteEntry(ctx context.Context, e transport.RemoteEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.entries[e.ClientID] {
		if existing.HLCTime == e.Entry.HLCTime {
			return nil // idempotent: refuse duplicates
		}
	}
	f.entries[e.ClientID] = append(f.entries[e.ClientID], e.Entry)
	return nil
}

type fakeEntryIterator struct {
	entries []oplog.Entry
	pos     int
}

func (it *fakeEntryIterator) Next(ctx context.Context) (oplog.Entry, bool, error) {
	if it.pos >= len(it.entries) {
		return oplog.Entry{}, false, nil
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true, nil
}
func (it *fakeEntryIterator) Close() error { return nil }

func (f *fakeTransport) GetRemoteEntries(ctx context.Context, clientID string, afterTime *string) (transport.EntryIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []oplog.Entry
	for _, e := range f.entries[clientID] {
		if afterTime == nil || e.HLCTime > *afterTime {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HLCTime < out[j].HLCTime })
	return &fakeEntryIterator{entries: out}, nil
}

func (f *fakeTransport) SaveRemoteMerkle(ctx context.Context, clientID string, tree *merkle.Tree) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merkles[clientID] = tree
	return nil
}

func (f *fakeTransport) GetRemoteMerkles(ctx context.Context, filter transport.ListMerklesFilter) ([]transport.RemoteMerkle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	excluded := make(map[string]bool, len(filter.ExcludeClientIDs))
	for _, id := range filter.ExcludeClientIDs {
		excluded[id] = true
	}
	var included map[string]bool
	if len(filter.IncludeClientIDs) > 0 {
		included = make(map[string]bool, len(filter.IncludeClientIDs))
		for _, id := range filter.IncludeClientIDs {
			included[id] = true
		}
	}
	var out []transport.RemoteMerkle
	for id, tree := range f.merkles {
		if excluded[id] {
			continue
		}
		if included != nil && !included[id] {
			continue
		}
		out = append(out, transport.RemoteMerkle{ClientID: id, Tree: tree})
	}
	return out, nil
}

func (f *fakeTransport) DeleteRemoteMerkles(ctx context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.merkles, clientID)
	return nil
}

type testNode struct {
	driver   *Driver
	oplog    *oplog.Store
	settings *settings.Store
	tree     *merkle.Tree
	clock    *hlc.Clock
}

func newTestNode(t *testing.T, nodeID string, tp transport.Plugin, keyPaths map[string]kvstore.KeyPath) *testNode {
	t.Helper()
	db := kvstore.NewMemDatabase()
	primary, _ := db.Store("oplog")
	index, _ := db.Store("oplogIndex")
	ol := oplog.NewStore(primary, index)

	settingsKV, _ := db.Store(settings.StoreName)
	settingsStore := settings.NewStore(settingsKV)

	clock := hlc.NewClock(nodeID, hlc.DefaultMaxDrift, hlc.DefaultMaxCounter)
	clock.SetTime(hlc.Time{Millis: 10_000_000, Node: nodeID})

	tree := merkle.New()
	engine := apply.NewEngine(db, ol, clock, tree, keyPaths)

	logger := zap.NewNop()
	driver := NewDriver(nodeID, settingsStore, ol, engine, tree, []transport.Plugin{tp}, logger)

	return &testNode{driver: driver, oplog: ol, settings: settingsStore, tree: tree, clock: clock}
}

func makeEntry(store string, key kvstore.ObjectKey, prop string, t hlc.Time, value any) oplog.Entry {
	return oplog.Entry{HLCTime: hlc.Format(t), Store: store, ObjectKey: key, Prop: prop, Value: value}
}

func TestSyncOne_UploadsLocalEntries(t *testing.T) {
	tp := newFakeTransport()
	keyPaths := map[string]kvstore.KeyPath{"todo": {Kind: kvstore.KeyPathScalar, Properties: []string{"id"}}}
	n := newTestNode(t, "0000000000000001", tp, keyPaths)
	ctx := context.Background()

	key := kvstore.ObjectKey{int64(1)}
	e := makeEntry("todo", key, "name", hlc.Time{Millis: 1000, Node: "0000000000000001"}, "hello")
	if err := n.oplog.Insert(ctx, e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := n.tree.Insert(hlc.Time{Millis: 1000, Node: "0000000000000001"}, hlc.Hash(hlc.Time{Millis: 1000, Node: "0000000000000001"})); err != nil {
		t.Fatalf("tree insert: %v", err)
	}

	if err := n.driver.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	uploaded := tp.entries["0000000000000001"]
	if len(uploaded) != 1 || uploaded[0].HLCTime != e.HLCTime {
		t.Fatalf("uploaded = %+v, want [%+v]", uploaded, e)
	}
	if _, ok := tp.merkles["0000000000000001"]; !ok {
		t.Error("expected a remote merkle snapshot to have been saved")
	}
}

// S6 from spec.md §8, exercised indirectly: one client has an entry
// the other lacks; a sync round downloads and applies it.
func TestSyncOne_DownloadsAndAppliesRemoteEntries(t *testing.T) {
	tp := newFakeTransport()
	keyPaths := map[string]kvstore.KeyPath{"todo": {Kind: kvstore.KeyPathScalar, Properties: []string{"id"}}}

	// Seed a remote client "B" with an entry and a merkle snapshot
	// that diverges from an empty local tree.
	key := kvstore.ObjectKey{int64(1)}
	remoteTime := hlc.Time{Millis: 5_000_000, Node: "000000000000000b"}
	remoteEntry := makeEntry("todo", key, "name", remoteTime, "from-b")
	tp.entries["000000000000000b"] = []oplog.Entry{remoteEntry}
	remoteTree := merkle.New()
	if err := remoteTree.Insert(remoteTime, hlc.Hash(remoteTime)); err != nil {
		t.Fatalf("remoteTree.Insert: %v", err)
	}
	tp.merkles["000000000000000b"] = remoteTree

	local := newTestNode(t, "0000000000000001", tp, keyPaths)
	ctx := context.Background()

	if err := local.driver.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	got, found, err := local.oplog.MostRecentEntry(ctx, "todo", key, "name")
	if err != nil || !found {
		t.Fatalf("expected downloaded entry to be applied: found=%v err=%v", found, err)
	}
	if got.HLCTime != remoteEntry.HLCTime {
		t.Errorf("applied entry = %+v, want %+v", got, remoteEntry)
	}
}

// S7 from spec.md §8: a round in which both sides already agree is a
// no-op.
func TestSyncOne_IdempotentWhenAlreadyConverged(t *testing.T) {
	tp := newFakeTransport()
	keyPaths := map[string]kvstore.KeyPath{"todo": {Kind: kvstore.KeyPathScalar, Properties: []string{"id"}}}
	n := newTestNode(t, "0000000000000001", tp, keyPaths)
	ctx := context.Background()

	key := kvstore.ObjectKey{int64(1)}
	e := makeEntry("todo", key, "name", hlc.Time{Millis: 1000, Node: "0000000000000001"}, "hello")
	if err := n.oplog.Insert(ctx, e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := n.tree.Insert(hlc.Time{Millis: 1000, Node: "0000000000000001"}, hlc.Hash(hlc.Time{Millis: 1000, Node: "0000000000000001"})); err != nil {
		t.Fatalf("tree insert: %v", err)
	}

	if err := n.driver.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll round 1: %v", err)
	}
	firstUploadCount := len(tp.entries["0000000000000001"])

	if err := n.driver.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll round 2: %v", err)
	}
	secondUploadCount := len(tp.entries["0000000000000001"])

	if firstUploadCount != secondUploadCount {
		t.Errorf("second round re-uploaded entries: %d != %d", firstUploadCount, secondUploadCount)
	}
	if firstUploadCount != 1 {
		t.Errorf("expected exactly 1 uploaded entry, got %d", firstUploadCount)
	}
}
