package main

import (
	"context"
	"fmt"
	"time"

	"github.com/skywave-mesh/storeforward-node/internal/clock"
	"github.com/skywave-mesh/storeforward-node/internal/config"
	"github.com/skywave-mesh/storeforward-node/internal/diagnostics"
	"github.com/skywave-mesh/storeforward-node/internal/event"
	"github.com/skywave-mesh/storeforward-node/internal/history"
	"github.com/skywave-mesh/storeforward-node/internal/logger"
	"github.com/skywave-mesh/storeforward-node/internal/messenger"
	"github.com/skywave-mesh/storeforward-node/internal/nodedb"
	"github.com/skywave-mesh/storeforward-node/internal/persistence"
	"github.com/skywave-mesh/storeforward-node/internal/rolefactory"
	"github.com/skywave-mesh/storeforward-node/internal/scheduler"
	"github.com/skywave-mesh/storeforward-node/internal/serverrole"
	"github.com/skywave-mesh/storeforward-node/internal/store"
	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

// selfNodeID is a placeholder for the node's own mesh identity, normally
// assigned by the radio firmware at boot.
const selfNodeID transport.NodeID = 1

// noNodeDB is the Node-DB seam stub for a build with no fleet directory
// wired in; DisplayName still falls back to the node's hex ID.
type noNodeDB struct{}

func (noNodeDB) Lookup(transport.NodeID) (*nodedb.NodeInfo, bool) { return nil, false }

// logDeliverer implements clientrole.Deliverer by logging re-injected
// text the way a phone app or console would receive it (spec.md §4.5).
type logDeliverer struct{}

func (logDeliverer) DeliverText(from, to transport.NodeID, channel uint8, payload []byte) {
	logger.InfoF("delivered replayed message from=%d to=%d channel=%d: %s", from, to, channel, string(payload))
}

// truncateLogger implements history.TruncateLogger.
type truncateLogger struct{}

func (truncateLogger) LogTruncated(id uint32, got, max int) {
	logger.WarnF("history: truncated oversized payload on packet %d: %d bytes > %d max", id, got, max)
}

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("error reading config: %v", err)
		return
	}

	loggerShutdown := logger.Init()
	logger.Debug("store & forward node initializing...")

	cleaner := event.NewCleaner()
	cleaner.Init(loggerShutdown)

	clk := clock.NewSystem()

	localStore := store.NewLocal()
	persist := persistence.New(localStore, cfg.PersistDir)

	records := cfg.StoreForward.Records
	if records == 0 {
		records = history.DefaultMaxRecords
	}
	h := history.New(records, persist, truncateLogger{})

	prefix, cursors, err := persist.Load()
	if err != nil {
		logger.WarnF("history: failed to load persisted state, starting empty: %v", err)
	} else {
		h.LoadPrefix(prefix, cursors)
	}

	// A production deployment substitutes a real mesh radio transport
	// here; this in-memory Fake lets the node boot and run its scheduler
	// loop standalone for development and diagnostics purposes.
	tr := transport.NewFake(selfNodeID)
	msgr := messenger.New(tr)

	names := nodedb.NewCache(noNodeDB{})
	logger.InfoF("node identity: %s", names.DisplayName(selfNodeID))

	role := rolefactory.New(cfg.StoreForward, cfg.AuxMemoryBytes, h, msgr, tr, clk, selfNodeID, logDeliverer{})

	ctx, cancel := context.WithCancel(context.Background())
	cleaner.Add(cancelCallback{cancel: cancel})
	cleaner.Add(saveOnShutdown{h: h, persist: persist})

	if server, ok := role.(*serverrole.Server); ok && cfg.Diagnostics.Enabled {
		exporter, err := diagnostics.Connect(cfg.Diagnostics, cfg.AppName)
		if err != nil {
			logger.ErrorF("diagnostics: failed to connect, exporter disabled: %v", err)
		} else {
			go runDiagnosticsLoop(ctx, exporter, server)
		}
	}

	sched := scheduler.New(role, tr)
	sched.Run(ctx)
}

// cancelCallback adapts a context cancel func to event.Callable so the
// cleaner's signal-driven shutdown can stop the scheduler loop.
type cancelCallback struct {
	cancel context.CancelFunc
}

func (c cancelCallback) Invoke(context.Context) error {
	c.cancel()
	return nil
}

// saveOnShutdown adapts a final persistence flush to event.Callable, the
// "on orderly shutdown" trigger of the persistence policy (spec.md §4.2)
// alongside History's own every-N-records and on-cursor-change triggers.
type saveOnShutdown struct {
	h       *history.History
	persist *persistence.Persistence
}

func (s saveOnShutdown) Invoke(context.Context) error {
	if err := s.persist.Save(s.h.Prefix(), s.h.CursorsSnapshot()); err != nil {
		return fmt.Errorf("final persistence save: %w", err)
	}
	return nil
}

func runDiagnosticsLoop(ctx context.Context, exporter *diagnostics.Exporter, src diagnostics.StatsSource) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := exporter.Export(ctx, src); err != nil {
				logger.ErrorF("diagnostics: export failed: %v", err)
			}
		}
	}
}
