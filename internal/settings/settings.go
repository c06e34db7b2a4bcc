// Package settings owns the two internal stores the core reserves for
// itself (spec.md §6 Persistent state layout): the single settings
// record keyed by the constant "settings", and the Merkle cache
// record keyed by "oplogMerkle" living in that same store. Node-id
// generation follows spec.md §6's "last 16 characters of a v4 UUID,
// hyphens removed" rule.
package settings

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/rachitkumar205/syncengine/internal/kvstore"
	"github.com/rachitkumar205/syncengine/internal/merkle"
)

// StoreName is the reserved, host-namespace-safe name for the
// settings store.
const StoreName = "__syncengine_settings"

const settingsKey = "settings"
const merkleCacheKey = "oplogMerkle"

// SyncProfile is a per-transport record of a plugin's id and its
// opaque settings, used to reconstitute a transport on process
// restart. It does not store the transport's user profile.
type SyncProfile struct {
	PluginID string          `json:"plugin_id"`
	Opaque   json.RawMessage `json:"opaque"`
}

// Settings is the core's own persisted configuration.
type Settings struct {
	NodeID       string        `json:"node_id"`
	SyncProfiles []SyncProfile `json:"sync_profiles"`
}

// Store persists Settings and the Merkle cache in the reserved
// settings store.
type Store struct {
	kv kvstore.Store
}

// NewStore wraps the reserved settings kvstore.Store.
func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

// NewNodeID generates a fresh 16-character node identifier: the last
// 16 characters of a version-4 UUID with hyphens removed.
func NewNodeID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[len(id)-16:]
}

// LoadOrInit returns the persisted Settings, creating and persisting a
// fresh record (with a freshly generated node id) on first run.
func (s *Store) LoadOrInit() (Settings, error) {
	raw, ok, err := s.kv.Get(settingsKey)
	if err != nil {
		return Settings{}, err
	}
	if ok {
		var cfg Settings
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Settings{}, err
		}
		return cfg, nil
	}

	cfg := Settings{NodeID: NewNodeID(), SyncProfiles: nil}
	if err := s.Save(cfg); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Save persists cfg.
func (s *Store) Save(cfg Settings) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.kv.Put(settingsKey, data)
}

// LoadMerkleCache loads and deletes the persisted Merkle cache in one
// step, implementing the fail-safe invariant of spec.md §4.7 step 1:
// a crash mid-round forces a rebuild on the next round. ok is false
// when no cache was present (first run, or the prior round's cache
// was already consumed).
func (s *Store) LoadMerkleCache() (tree *merkle.Tree, ok bool, err error) {
	raw, found, err := s.kv.Get(merkleCacheKey)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if err := s.kv.Delete(merkleCacheKey); err != nil {
		return nil, false, err
	}
	tr := merkle.New()
	if err := tr.UnmarshalJSON(raw); err != nil {
		return nil, false, err
	}
	return tr, true, nil
}

// SaveMerkleCache persists tree for the next round to pick up.
func (s *Store) SaveMerkleCache(tree *merkle.Tree) error {
	data, err := tree.MarshalJSON()
	if err != nil {
		return err
	}
	return s.kv.Put(merkleCacheKey, data)
}
