package oplog

import (
	"context"
	"fmt"
	"sync"

	"github.com/rachitkumar205/syncengine/internal/hlc"
	"github.com/rachitkumar205/syncengine/internal/kvstore"
	"github.com/rachitkumar205/syncengine/internal/metrics"
	"github.com/rachitkumar205/syncengine/internal/syncerr"
)

// DefaultPageSize is the page size used by GetEntriesAfter, bounding
// the duration of any one underlying transaction.
const DefaultPageSize = 100

// indexUpperSentinel sorts after every legal HLC string.
const indexUpperSentinel = "~"

// Store is the durable, append-only oplog: a primary store keyed by
// hlc_time, plus a secondary index keyed by the composite
// (store, object_key, prop, hlc_time) used to find the most recent
// entry for a triple via a reverse range scan.
type Store struct {
	mu       sync.Mutex
	primary  kvstore.Store
	index    kvstore.Store
	pageSize int
	metrics  *metrics.Metrics // optional; nil disables instrumentation
}

// NewStore builds an oplog store over two already-named kvstore
// stores: primary (keyed by hlc_time) and index (keyed by the encoded
// composite index key, valued by the hlc_time it points at).
func NewStore(primary, index kvstore.Store) *Store {
	return &Store{primary: primary, index: index, pageSize: DefaultPageSize}
}

// WithMetrics attaches a metrics collector, returning the store for
// chaining at construction time.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

// indexKey builds a composite index key: an unambiguous, length-framed
// prefix identifying (store, objectKey, prop), followed by the raw
// hlc_time bytes. hlc_time is appended raw rather than length-framed
// like the rest of the tuple so that a reverse range scan bounded by
// [indexKey(...,""), indexKey(...,indexUpperSentinel)) — see
// MostRecentEntry — still finds every real hlc_time suffix for the
// triple, which depends on indexUpperSentinel's literal byte value
// sorting after every character hlc.Format can produce.
func indexKey(store string, objectKey kvstore.ObjectKey, prop, hlcTime string) (string, error) {
	encodedKey, err := objectKey.Encode()
	if err != nil {
		return "", fmt.Errorf("oplog: encoding object key: %w", err)
	}
	return kvstore.JoinParts([]string{store, encodedKey, prop}) + hlcTime, nil
}

// Insert durably persists entry and updates the secondary index.
// Per spec.md §4.4 this may be combined with a record write in one
// transaction by a caller holding a wider lock (apply.Engine and
// recordstore.Wrapper both serialize around their own mutex, matching
// the single-threaded-cooperative model of spec.md §5).
func (s *Store) Insert(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := e.marshal()
	if err != nil {
		return fmt.Errorf("oplog: marshaling entry: %w", err)
	}
	idxKey, err := indexKey(e.Store, e.ObjectKey, e.Prop, e.HLCTime)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.primary.Put(e.HLCTime, data); err != nil {
		return fmt.Errorf("oplog: writing entry: %w", err)
	}
	if err := s.index.Put(idxKey, []byte(e.HLCTime)); err != nil {
		return fmt.Errorf("oplog: writing index: %w", err)
	}
	if s.metrics != nil {
		s.metrics.OplogInsertsTotal.Inc()
	}
	return nil
}

// MostRecentEntry finds the entry with the greatest hlc_time for the
// given (store, object_key, prop) triple by opening a reverse cursor
// over the index range [(store,key,prop,""), (store,key,prop,"~")).
func (s *Store) MostRecentEntry(ctx context.Context, store string, objectKey kvstore.ObjectKey, prop string) (Entry, bool, error) {
	lower, err := indexKey(store, objectKey, prop, "")
	if err != nil {
		return Entry{}, false, err
	}
	upper, err := indexKey(store, objectKey, prop, indexUpperSentinel)
	if err != nil {
		return Entry{}, false, err
	}

	it, err := s.index.Scan(ctx, lower, upper, true)
	if err != nil {
		return Entry{}, false, fmt.Errorf("oplog: scanning index: %w", err)
	}
	defer it.Close()

	if !it.Next() {
		return Entry{}, false, nil
	}
	hlcTime := string(it.Value())

	raw, ok, err := s.primary.Get(hlcTime)
	if err != nil {
		return Entry{}, false, fmt.Errorf("oplog: reading entry %q: %w", hlcTime, err)
	}
	if !ok {
		return Entry{}, false, fmt.Errorf("oplog: index points at missing entry %q: %w", hlcTime, syncerr.InvalidEntry)
	}
	e, err := unmarshalEntry(raw)
	if err != nil {
		return Entry{}, false, fmt.Errorf("oplog: decoding entry %q: %w", hlcTime, err)
	}
	return e, true, nil
}

// Cursor is a paginated, stateful iterator over oplog entries with
// hlc_time strictly greater than some starting point. Each page opens
// a fresh short-lived scan so a caller can suspend arbitrarily between
// pages without holding any transaction open, per spec.md §4.4/§9.
type Cursor struct {
	s        *Store
	pageSize int
	lastKey  string
	buf      []Entry
	pos      int
	exhausted bool
}

// GetEntriesAfter returns a cursor over entries with hlc_time strictly
// greater than after (or from the beginning, if after is nil).
func (s *Store) GetEntriesAfter(after *hlc.Time) *Cursor {
	lastKey := ""
	if after != nil {
		lastKey = hlc.Format(*after)
	}
	return &Cursor{s: s, pageSize: s.pageSize, lastKey: lastKey}
}

// Next advances the cursor, returning false once exhausted.
func (c *Cursor) Next(ctx context.Context) (Entry, bool, error) {
	for c.pos >= len(c.buf) {
		if c.exhausted {
			return Entry{}, false, nil
		}
		if err := c.fetchPage(ctx); err != nil {
			return Entry{}, false, err
		}
	}
	e := c.buf[c.pos]
	c.pos++
	c.lastKey = e.HLCTime
	return e, true, nil
}

// exclusiveLower computes a lower scan bound strictly greater than
// key. HLC strings are fixed-width and never contain 0x00, so
// appending it yields the smallest string that sorts after every
// string equal to key while still sorting before any longer-prefixed
// real key.
func exclusiveLower(key string) string {
	return key + "\x00"
}

func (c *Cursor) fetchPage(ctx context.Context) error {
	lower := exclusiveLower(c.lastKey)
	it, err := c.s.primary.Scan(ctx, lower, indexUpperSentinel, false)
	if err != nil {
		return fmt.Errorf("oplog: scanning page: %w", err)
	}
	defer it.Close()

	c.buf = c.buf[:0]
	c.pos = 0
	collected := 0
	for collected < c.pageSize && it.Next() {
		e, err := unmarshalEntry(it.Value())
		if err != nil {
			return fmt.Errorf("oplog: decoding entry %q: %w", it.Key(), err)
		}
		c.buf = append(c.buf, e)
		collected++
	}
	if collected < c.pageSize {
		c.exhausted = true
	}
	return nil
}
