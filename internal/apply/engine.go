// Package apply implements the apply engine (spec.md §4.6): merging a
// single candidate OpLogEntry received from a peer into local state
// under LWW semantics, keeping the oplog, record store, and Merkle
// tree consistent. Grounded on the teacher's
// internal/reconcile.Engine for the mutex-guarded "merge engine with
// injected collaborators" shape, generalized from anti-entropy
// gossip to per-entry LWW application.
package apply

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/rachitkumar205/syncengine/internal/hlc"
	"github.com/rachitkumar205/syncengine/internal/kvstore"
	"github.com/rachitkumar205/syncengine/internal/merkle"
	"github.com/rachitkumar205/syncengine/internal/metrics"
	"github.com/rachitkumar205/syncengine/internal/oplog"
	"github.com/rachitkumar205/syncengine/internal/syncerr"
)

// Engine merges candidate OpLogEntries into local state.
type Engine struct {
	mu       sync.Mutex
	db       kvstore.Database
	oplog    *oplog.Store
	clock    *hlc.Clock
	tree     *merkle.Tree
	keyPaths map[string]kvstore.KeyPath
	metrics  *metrics.Metrics // optional; nil disables instrumentation
}

// NewEngine constructs an apply engine. keyPaths maps every known
// store name to its key-path metadata, used to validate a candidate's
// object-key arity and to synthesize fresh records.
func NewEngine(db kvstore.Database, oplogStore *oplog.Store, clock *hlc.Clock, tree *merkle.Tree, keyPaths map[string]kvstore.KeyPath) *Engine {
	return &Engine{db: db, oplog: oplogStore, clock: clock, tree: tree, keyPaths: keyPaths}
}

// WithMetrics attaches a metrics collector, returning the engine for
// chaining at construction time.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

func (e *Engine) recordOutcome(outcome string) {
	if e.metrics != nil {
		e.metrics.ApplyOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) recordError(sentinel error) {
	if e.metrics != nil {
		e.metrics.ApplyErrors.WithLabelValues(syncerr.Name(sentinel)).Inc()
	}
}

// Apply runs the 8-step algorithm of spec.md §4.6. Steps 3-7 are
// serialized under the engine's mutex, standing in for a database
// transaction covering the oplog store, its index, and the target
// record store.
func (e *Engine) Apply(ctx context.Context, candidate oplog.Entry) error {
	candidateTime, err := hlc.Parse(candidate.HLCTime)
	if err != nil {
		err = fmt.Errorf("apply: invalid hlc_time %q: %v: %w", candidate.HLCTime, err, syncerr.InvalidEntry)
		e.recordError(err)
		return err
	}
	kp, known := e.keyPaths[candidate.Store]
	if !known {
		err := fmt.Errorf("apply: unknown store %q: %w", candidate.Store, syncerr.InvalidEntry)
		e.recordError(err)
		return err
	}
	if err := validateArity(kp, candidate.ObjectKey); err != nil {
		e.recordError(err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.clock.Time()
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	if candidateTime.After(current) {
		if _, err := e.clock.TickPast(candidateTime); err != nil {
			return fmt.Errorf("apply: advancing clock past candidate: %w", err)
		}
	}

	existing, found, err := e.oplog.MostRecentEntry(ctx, candidate.Store, candidate.ObjectKey, candidate.Prop)
	if err != nil {
		return fmt.Errorf("apply: looking up existing entry: %w", err)
	}

	if found {
		existingTime, err := hlc.Parse(existing.HLCTime)
		if err != nil {
			return fmt.Errorf("apply: corrupt index entry %q: %v: %w", existing.HLCTime, err, syncerr.InvalidEntry)
		}
		switch existingTime.Compare(candidateTime) {
		case 0:
			err := fmt.Errorf("apply: duplicate hlc_time %q: %w", candidate.HLCTime, syncerr.InvalidEntry)
			e.recordOutcome("duplicate")
			e.recordError(err)
			return err
		case 1:
			// Step 5: candidate is obsolete. Persist it for Merkle
			// convergence but leave the record store untouched.
			if err := e.oplog.Insert(ctx, candidate); err != nil {
				return fmt.Errorf("apply: persisting obsolete candidate: %w", err)
			}
			if err := e.insertMerkle(candidateTime); err != nil {
				return err
			}
			e.recordOutcome("obsolete")
			return nil
		}
	}

	// Step 6: candidate wins.
	if err := e.oplog.Insert(ctx, candidate); err != nil {
		return fmt.Errorf("apply: persisting candidate: %w", err)
	}

	store, err := e.db.Store(candidate.Store)
	if err != nil {
		return fmt.Errorf("apply: resolving store %q: %w", candidate.Store, err)
	}
	encodedKey, err := candidate.ObjectKey.Encode()
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}

	existingBytes, recordFound, err := store.Get(encodedKey)
	if err != nil {
		return fmt.Errorf("apply: reading existing record: %w", err)
	}
	var existingRecord map[string]any
	recordIsObject := false
	if recordFound {
		if err := json.Unmarshal(existingBytes, &existingRecord); err == nil {
			recordIsObject = true
		}
	}

	newRecord := mergeRecord(candidate, existingRecord, recordFound && recordIsObject, kp)
	data, err := json.Marshal(newRecord)
	if err != nil {
		return fmt.Errorf("apply: encoding merged record: %w", err)
	}
	if err := store.Put(encodedKey, data); err != nil {
		return fmt.Errorf("apply: writing record: %v: %w", err, syncerr.TransactionAborted)
	}

	// Step 7: Merkle update only follows a successfully persisted
	// entry — never on a failure in steps 3-7.
	if err := e.insertMerkle(candidateTime); err != nil {
		return err
	}
	e.recordOutcome("win")
	return nil
}

func (e *Engine) insertMerkle(t hlc.Time) error {
	if err := e.tree.Insert(t, hlc.Hash(t)); err != nil {
		return fmt.Errorf("apply: updating merkle tree: %w", err)
	}
	if e.metrics != nil {
		e.metrics.InsertsTotal.Inc()
	}
	return nil
}

func validateArity(kp kvstore.KeyPath, key kvstore.ObjectKey) error {
	switch kp.Kind {
	case kvstore.KeyPathComposite:
		if len(key) != len(kp.Properties) {
			return fmt.Errorf("apply: object key arity %d, want %d: %w", len(key), len(kp.Properties), syncerr.InvalidEntry)
		}
	case kvstore.KeyPathScalar:
		if len(key) != 1 {
			return fmt.Errorf("apply: object key arity %d, want 1: %w", len(key), syncerr.InvalidEntry)
		}
	default: // KeyPathNone
		if len(key) == 0 {
			return fmt.Errorf("apply: object key must not be empty: %w", syncerr.InvalidEntry)
		}
	}
	return nil
}

// mergeRecord implements the three record-merge branches of
// spec.md §4.6 step 6.
func mergeRecord(candidate oplog.Entry, existing map[string]any, existingIsObject bool, kp kvstore.KeyPath) any {
	if candidate.Prop == "" {
		return candidate.Value
	}
	if existingIsObject {
		merged := make(map[string]any, len(existing)+1)
		for k, v := range existing {
			merged[k] = v
		}
		merged[candidate.Prop] = candidate.Value
		return merged
	}
	fresh := make(map[string]any, len(kp.Properties)+1)
	for i, p := range kp.Properties {
		if i < len(candidate.ObjectKey) {
			fresh[p] = candidate.ObjectKey[i]
		}
	}
	fresh[candidate.Prop] = candidate.Value
	return fresh
}
