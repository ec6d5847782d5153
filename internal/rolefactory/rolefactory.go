// Package rolefactory selects which role — Inactive, Client, or Server —
// a node runs the Store & Forward module as (spec.md §4.6, component C6).
package rolefactory

import (
	"context"

	"github.com/skywave-mesh/storeforward-node/internal/clientrole"
	"github.com/skywave-mesh/storeforward-node/internal/clock"
	c "github.com/skywave-mesh/storeforward-node/internal/config"
	"github.com/skywave-mesh/storeforward-node/internal/history"
	"github.com/skywave-mesh/storeforward-node/internal/logger"
	"github.com/skywave-mesh/storeforward-node/internal/messenger"
	"github.com/skywave-mesh/storeforward-node/internal/serverrole"
	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

// minServerAuxMemoryBytes is the auxiliary memory floor below which a
// configured server demotes to client (spec.md §4.6).
const minServerAuxMemoryBytes = 1 << 20

// inactiveTickMs is the scheduler delay an Inactive role requests
// (spec.md §4.7 "inactive ≈ 30 s").
const inactiveTickMs = 30000

// Role is the surface the scheduler (C7) drives, common to the Inactive,
// Client, and Server roles.
type Role interface {
	OnReceive(ctx context.Context, p *transport.Packet) error
	RunOnce(ctx context.Context) uint64
}

// Inactive is the no-op role run when the module is disabled.
type Inactive struct{}

func (Inactive) OnReceive(context.Context, *transport.Packet) error { return nil }
func (Inactive) RunOnce(context.Context) uint64                     { return inactiveTickMs }

// New selects and constructs the role this node should run, per
// spec.md §4.6:
//   - module disabled → Inactive
//   - is_server AND auxMemoryBytes >= 1 MiB → Server
//   - otherwise → Client
//
// A configured server that lacks sufficient auxiliary memory logs a
// warning and demotes to Client rather than failing startup.
func New(cfg c.StoreForwardConfig, auxMemoryBytes uint64, h *history.History, msgr *messenger.Messenger, tr transport.Transport, clk clock.Source, self transport.NodeID, dlv clientrole.Deliverer) Role {
	if !cfg.Enabled {
		return Inactive{}
	}

	if cfg.IsServer {
		if auxMemoryBytes >= minServerAuxMemoryBytes {
			return serverrole.New(h, msgr, tr, clk, self, serverrole.Config{
				ReturnMax:            cfg.HistoryReturnMax,
				ReturnWindowMinutes:  cfg.HistoryReturnWindow,
				HeartbeatEnabled:     cfg.Heartbeat,
				HeartbeatIntervalSec: cfg.HeartbeatIntervalSec,
			})
		}
		logger.WarnF("rolefactory: demoting to client role, aux memory %d bytes below %d minimum required for server", auxMemoryBytes, minServerAuxMemoryBytes)
	}

	return clientrole.New(msgr, clk, dlv)
}
