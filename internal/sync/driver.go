// Package sync implements the sync driver (spec.md §4.7): one round
// of bidirectional reconciliation against each registered transport,
// combining the Merkle tree, the oplog store, and the apply engine.
// Fan-out across transports is grounded on the teacher's
// replication.Coordinator.Replicate, generalized from a
// goroutine+channel quorum write to golang.org/x/sync/errgroup. Each
// transport's round body still serializes on the driver's own mutex:
// spec.md §5 requires exactly one logical thread of control through
// the HLC and oplog mutation paths, so errgroup buys structured
// cancellation and error aggregation across transports' I/O without
// letting their mutations race.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rachitkumar205/syncengine/internal/apply"
	"github.com/rachitkumar205/syncengine/internal/hlc"
	"github.com/rachitkumar205/syncengine/internal/merkle"
	"github.com/rachitkumar205/syncengine/internal/metrics"
	"github.com/rachitkumar205/syncengine/internal/oplog"
	"github.com/rachitkumar205/syncengine/internal/settings"
	"github.com/rachitkumar205/syncengine/internal/syncerr"
	"github.com/rachitkumar205/syncengine/internal/transport"
)

// Driver runs sync rounds against every registered transport.
type Driver struct {
	mu         sync.Mutex
	nodeID     string
	settings   *settings.Store
	oplog      *oplog.Store
	engine     *apply.Engine
	localTree  *merkle.Tree
	transports []transport.Plugin
	logger     *zap.Logger
	metrics    *metrics.Metrics // optional; nil disables instrumentation
}

// NewDriver constructs a sync driver. localTree must be the same
// *merkle.Tree instance passed to the apply.Engine, so that entries
// applied mid-round are immediately reflected in M_local.
func NewDriver(nodeID string, settingsStore *settings.Store, oplogStore *oplog.Store, engine *apply.Engine, localTree *merkle.Tree, transports []transport.Plugin, logger *zap.Logger) *Driver {
	return &Driver{
		nodeID:     nodeID,
		settings:   settingsStore,
		oplog:      oplogStore,
		engine:     engine,
		localTree:  localTree,
		transports: transports,
		logger:     logger,
	}
}

// WithMetrics attaches a metrics collector, returning the driver for
// chaining at construction time.
func (d *Driver) WithMetrics(m *metrics.Metrics) *Driver {
	d.metrics = m
	return d
}

// SyncAll runs one round against every registered transport.
func (d *Driver) SyncAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, tp := range d.transports {
		tp := tp
		g.Go(func() error {
			return d.syncOne(gctx, tp)
		})
	}
	return g.Wait()
}

// boundaryTime is the smallest possible HLC at the given millisecond,
// used as an exclusive-lower-bound marker for get_entries_after: any
// real HLC at or after millis sorts strictly after it.
func boundaryTime(millis int64) hlc.Time {
	return hlc.Time{Millis: millis, Counter: 0, Node: strings.Repeat("0", 16)}
}

// endOfMinuteBoundary is the largest possible HLC within the minute
// path_to_newest_leaf names. Catch-up (step 2 of spec.md §4.7) uses
// this so that the already-approximate newest-leaf minute is excluded
// wholesale rather than re-inserted — re-inserting an entry the cached
// tree already counted would XOR it back out. This preserves, rather
// than "corrects", the under-selection documented as an accepted
// open-question answer in spec.md §9.
func endOfMinuteBoundary(minutes int64) hlc.Time {
	return hlc.Time{Millis: minutes*60000 + 59999, Counter: hlc.DefaultMaxCounter, Node: strings.Repeat("z", 16)}
}

// syncOne runs the 5-step round algorithm of spec.md §4.7 against a
// single transport.
func (d *Driver) syncOne(ctx context.Context, tp transport.Plugin) error {
	start := time.Now()
	err := d.runSyncOne(ctx, tp)
	if d.metrics != nil {
		d.metrics.SyncRoundLatency.WithLabelValues(tp.PluginID()).Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		d.metrics.SyncRoundsTotal.WithLabelValues(tp.PluginID(), result).Inc()
	}
	return err
}

func (d *Driver) runSyncOne(ctx context.Context, tp transport.Plugin) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Step 1: load-or-rebuild M_local, deleting the cache immediately
	// (fail-safe: a crash mid-round forces a rebuild next time).
	local, found, err := d.settings.LoadMerkleCache()
	if err != nil {
		return fmt.Errorf("sync: loading merkle cache: %w", err)
	}
	if !found {
		local, err = d.rebuildFromOplog(ctx)
		if err != nil {
			return fmt.Errorf("sync: rebuilding merkle tree: %w", err)
		}
	}
	d.localTree.Root = local.Root

	// Step 2: catch up on local entries written since the cache was
	// taken, using the approximate newest-leaf time.
	newestPath := d.localTree.PathToNewestLeaf()
	newestMinutes := merkle.PathToMinutes(newestPath)
	if err := d.insertEntriesAfter(ctx, endOfMinuteBoundary(newestMinutes)); err != nil {
		return fmt.Errorf("sync: catching up local entries: %w", err)
	}

	// Step 3: fetch this client's own remote snapshot.
	ownSnapshots, err := tp.GetRemoteMerkles(ctx, transport.ListMerklesFilter{IncludeClientIDs: []string{d.nodeID}})
	if err != nil {
		return fmt.Errorf("sync: %v: %w", err, syncerr.TransportError)
	}
	remoteOwn := merkle.New()
	if len(ownSnapshots) == 1 {
		remoteOwn = ownSnapshots[0].Tree
	} else if len(ownSnapshots) > 1 {
		if err := tp.DeleteRemoteMerkles(ctx, d.nodeID); err != nil {
			d.logger.Warn("sync: failed to delete duplicate own snapshots", zap.Error(err))
		}
	}

	diffPath, diverged := merkle.FindDiff(remoteOwn, d.localTree)
	if d.metrics != nil {
		d.metrics.DiffDepth.Observe(float64(len(diffPath)))
	}

	// Step 4: upload local entries past the divergence point.
	if diverged {
		diffMillis := merkle.PathToMillis(diffPath)
		uploaded, err := d.uploadEntriesAfter(ctx, tp, boundaryTime(diffMillis))
		if err != nil {
			return fmt.Errorf("sync: uploading entries: %w", err)
		}
		if uploaded {
			if err := tp.SaveRemoteMerkle(ctx, d.nodeID, d.localTree); err != nil {
				return fmt.Errorf("sync: %v: %w", err, syncerr.TransportError)
			}
			if err := d.settings.SaveMerkleCache(d.localTree); err != nil {
				return fmt.Errorf("sync: persisting merkle cache: %w", err)
			}
		}
	}

	// Step 5: reconcile every other client's snapshot.
	others, err := tp.GetRemoteMerkles(ctx, transport.ListMerklesFilter{ExcludeClientIDs: []string{d.nodeID}})
	if err != nil {
		return fmt.Errorf("sync: %v: %w", err, syncerr.TransportError)
	}
	for _, remote := range others {
		if err := d.reconcileWith(ctx, tp, remote); err != nil {
			return err
		}
	}

	return nil
}

func (d *Driver) reconcileWith(ctx context.Context, tp transport.Plugin, remote transport.RemoteMerkle) error {
	diffPath, diverged := merkle.FindDiff(remote.Tree, d.localTree)
	if d.metrics != nil {
		d.metrics.DiffDepth.Observe(float64(len(diffPath)))
	}
	if !diverged {
		return nil
	}
	diffMillis := merkle.PathToMillis(diffPath)
	afterStr := hlc.Format(boundaryTime(diffMillis))

	it, err := tp.GetRemoteEntries(ctx, remote.ClientID, &afterStr)
	if err != nil {
		return fmt.Errorf("sync: %v: %w", err, syncerr.TransportError)
	}
	defer it.Close()

	appliedAny := false
	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			return fmt.Errorf("sync: %v: %w", err, syncerr.TransportError)
		}
		if !ok {
			break
		}
		if err := d.engine.Apply(ctx, entry); err != nil {
			if errors.Is(err, syncerr.ClockDrift) {
				return fmt.Errorf("sync: aborting round on clock drift: %w", err)
			}
			d.logger.Warn("sync: skipping entry that failed to apply",
				zap.String("client_id", remote.ClientID),
				zap.String("hlc_time", entry.HLCTime),
				zap.Error(err))
			continue
		}
		appliedAny = true
		if d.metrics != nil {
			d.metrics.EntriesDownloaded.WithLabelValues(tp.PluginID()).Inc()
		}
	}

	if appliedAny {
		if err := d.settings.SaveMerkleCache(d.localTree); err != nil {
			return fmt.Errorf("sync: persisting merkle cache: %w", err)
		}
		if err := tp.SaveRemoteMerkle(ctx, d.nodeID, d.localTree); err != nil {
			return fmt.Errorf("sync: %v: %w", err, syncerr.TransportError)
		}
	}
	return nil
}

func (d *Driver) rebuildFromOplog(ctx context.Context) (*merkle.Tree, error) {
	tree := merkle.New()
	cur := d.oplog.GetEntriesAfter(nil)
	for {
		e, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		t, err := hlc.Parse(e.HLCTime)
		if err != nil {
			continue
		}
		if err := tree.Insert(t, hlc.Hash(t)); err != nil {
			continue
		}
	}
	return tree, nil
}

func (d *Driver) insertEntriesAfter(ctx context.Context, after hlc.Time) error {
	cur := d.oplog.GetEntriesAfter(&after)
	for {
		e, ok, err := cur.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		t, err := hlc.Parse(e.HLCTime)
		if err != nil {
			continue
		}
		if err := d.localTree.Insert(t, hlc.Hash(t)); err != nil {
			continue
		}
	}
}

// uploadEntriesAfter uploads every local entry strictly after "after",
// one at a time per spec.md §4.7's backpressure contract, returning
// whether anything was uploaded.
func (d *Driver) uploadEntriesAfter(ctx context.Context, tp transport.Plugin, after hlc.Time) (bool, error) {
	cur := d.oplog.GetEntriesAfter(&after)
	uploaded := false
	for {
		e, ok, err := cur.Next(ctx)
		if err != nil {
			return uploaded, err
		}
		if !ok {
			return uploaded, nil
		}
		remoteEntry := transport.RemoteEntry{Time: e.HLCTime, ClientID: d.nodeID, Entry: e}
		if err := tp.SaveRemoteEntry(ctx, remoteEntry); err != nil {
			return uploaded, fmt.Errorf("%v: %w", err, syncerr.TransportError)
		}
		uploaded = true
		if d.metrics != nil {
			d.metrics.EntriesUploaded.WithLabelValues(tp.PluginID()).Inc()
		}
	}
}
