// Package oplog implements the append-only oplog store and its
// secondary index over (store, object_key, prop, hlc_time), per
// spec.md §4.4. Grounded on the teacher's internal/storage.Store for
// the mutex-guarded, map-backed persistence shape, generalized to a
// kvstore.Store so the index can range-scan in byte-lexicographic
// order.
package oplog

import (
	json "github.com/goccy/go-json"

	"github.com/rachitkumar205/syncengine/internal/kvstore"
)

// Entry is an immutable, timestamped oplog record: a specific
// property of a specific object in a specific store was set to a
// specific value at a specific HLC time.
type Entry struct {
	HLCTime   string            `json:"hlc_time"`
	Store     string            `json:"store"`
	ObjectKey kvstore.ObjectKey `json:"object_key"`
	Prop      string            `json:"prop"`
	Value     any               `json:"value"`
}

func (e Entry) marshal() ([]byte, error) { return json.Marshal(e) }

func unmarshalEntry(data []byte) (Entry, error) {
	var e Entry
	err := json.Unmarshal(data, &e)
	return e, err
}
