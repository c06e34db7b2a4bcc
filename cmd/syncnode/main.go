// Command syncnode wires together a single sync engine node: the HLC
// clock, the oplog, a record store per configured host store, the
// apply engine, and the sync driver, then runs sync rounds on a
// ticker until interrupted. It registers no transport plugins of its
// own — spec.md §7 leaves the transport implementation to the host —
// so out of the box it exercises only local writes and the Merkle
// bookkeeping around them; a real deployment registers transports via
// RegisterTransports below.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rachitkumar205/syncengine/internal/apply"
	"github.com/rachitkumar205/syncengine/internal/config"
	"github.com/rachitkumar205/syncengine/internal/hlc"
	"github.com/rachitkumar205/syncengine/internal/kvstore"
	"github.com/rachitkumar205/syncengine/internal/metrics"
	"github.com/rachitkumar205/syncengine/internal/merkle"
	"github.com/rachitkumar205/syncengine/internal/oplog"
	"github.com/rachitkumar205/syncengine/internal/recordstore"
	"github.com/rachitkumar205/syncengine/internal/settings"
	syncdriver "github.com/rachitkumar205/syncengine/internal/sync"
	"github.com/rachitkumar205/syncengine/internal/transport"
)

// hostKeyPaths describes the record stores this node serves. A real
// deployment would load this from its own schema; here it stands in
// for whatever stores the host application registers.
func hostKeyPaths() map[string]kvstore.KeyPath {
	return map[string]kvstore.KeyPath{
		"todos": {Kind: kvstore.KeyPathScalar, Properties: []string{"id"}},
	}
}

// RegisterTransports is the seam a real deployment fills in with its
// own transport.Plugin implementations (spec.md §7's transport plugin
// interface has no concrete implementation in scope).
func RegisterTransports(ctx context.Context, logger *zap.Logger) []transport.Plugin {
	return nil
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	m := metrics.NewMetrics("syncengine")

	db := kvstore.NewMemDatabase()

	settingsKV, err := db.Store(settings.StoreName)
	if err != nil {
		logger.Fatal("failed to open settings store", zap.Error(err))
	}
	settingsStore := settings.NewStore(settingsKV)

	persisted, err := settingsStore.LoadOrInit()
	if err != nil {
		logger.Fatal("failed to load settings", zap.Error(err))
	}
	nodeID := persisted.NodeID
	if cfg.NodeIDOverride != "" {
		nodeID = cfg.NodeIDOverride
	}
	logger.Info("starting sync node",
		zap.String("node_id", nodeID),
		zap.Duration("max_drift", cfg.MaxDrift),
		zap.Uint16("max_counter", cfg.MaxCounter),
		zap.Duration("sync_interval", cfg.SyncInterval))

	clock := hlc.NewClock(nodeID, cfg.MaxDrift, cfg.MaxCounter)
	clock.Init()

	primary, err := db.Store("__syncengine_oplog")
	if err != nil {
		logger.Fatal("failed to open oplog store", zap.Error(err))
	}
	index, err := db.Store("__syncengine_oplog_index")
	if err != nil {
		logger.Fatal("failed to open oplog index store", zap.Error(err))
	}
	oplogStore := oplog.NewStore(primary, index).WithMetrics(m)

	keyPaths := hostKeyPaths()
	wrappers := make(map[string]*recordstore.Wrapper, len(keyPaths))
	for name, kp := range keyPaths {
		w, err := recordstore.NewWrapper(db, name, kp, oplogStore, clock)
		if err != nil {
			logger.Fatal("failed to wrap host store", zap.String("store", name), zap.Error(err))
		}
		wrappers[name] = w
	}
	logger.Info("record stores wired", zap.Int("count", len(wrappers)))

	localTree := merkle.New()
	if cached, found, err := settingsStore.LoadMerkleCache(); err != nil {
		logger.Warn("failed to load merkle cache at startup", zap.Error(err))
	} else if found {
		localTree.Root = cached.Root
	}

	engine := apply.NewEngine(db, oplogStore, clock, localTree, keyPaths).WithMetrics(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transports := RegisterTransports(ctx, logger)
	driver := syncdriver.NewDriver(nodeID, settingsStore, oplogStore, engine, localTree, transports, logger).WithMetrics(m)

	http.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				roundCtx, roundCancel := context.WithTimeout(ctx, cfg.SyncInterval)
				if err := driver.SyncAll(roundCtx); err != nil {
					logger.Warn("sync round failed", zap.Error(err))
				}
				roundCancel()
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down gracefully")
	cancel()
	metricsServer.Close()
	logger.Info("shutdown complete")
}
