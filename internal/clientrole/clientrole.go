// Package clientrole implements the client side of the Store & Forward
// protocol (spec.md §4.5, component C5): it tracks the primary server
// learned from heartbeats, answers pings, re-injects replayed history into
// the local delivery pipeline, and issues the CLIENT_* requests a phone or
// console user triggers.
package clientrole

import (
	"context"

	"github.com/skywave-mesh/storeforward-node/internal/clock"
	"github.com/skywave-mesh/storeforward-node/internal/logger"
	"github.com/skywave-mesh/storeforward-node/internal/messenger"
	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

const (
	// activeTickMs is the default driver tick while a client role is live
	// (spec.md §4.7).
	activeTickMs = 5000

	// errorBackoffMs and busyBackoffMs are the retry delays scheduled on
	// ROUTER_ERROR and ROUTER_BUSY respectively; ERROR backs off twice as
	// long as BUSY (spec.md §4.5 "backoff doubled for ERROR vs BUSY").
	busyBackoffMs  = 5000
	errorBackoffMs = 10000

	// serverUnavailableFactor is the multiple of the learned heartbeat
	// interval after which the primary server is considered gone
	// (spec.md §5 "Server-unreachable (client): 2 × heartbeat_interval_s").
	serverUnavailableFactor = 2

	// defaultHeartbeatIntervalS is assumed until a heartbeat has actually
	// been observed (spec.md §4.4 "Heartbeat ... default 900").
	defaultHeartbeatIntervalS = 900
)

// Deliverer hands a re-injected text message to the local delivery
// pipeline, addressed from the original sender to the original destination
// (spec.md §4.5 "re-inject the carried payload ... as a regular text
// message").
type Deliverer interface {
	DeliverText(from, to transport.NodeID, channel uint8, payload []byte)
}

// lastRequest remembers the most recently issued CLIENT_* request so it
// can be resent if the server answers with ROUTER_ERROR or ROUTER_BUSY.
type lastRequest struct {
	valid    bool
	server   transport.NodeID
	channel  uint8
	envelope *messenger.Envelope
}

// pendingRetry is an armed resend timer for lastRequest.
type pendingRetry struct {
	armed bool
	atMs  uint64
}

// Client is the client-role driver (spec.md §4.5, component C5).
type Client struct {
	msgr *messenger.Messenger
	clk  clock.Source
	dlv  Deliverer

	primaryServer      transport.NodeID
	haveServer         bool
	lastHeartbeatMs    uint64
	heartbeatIntervalS uint32

	last  lastRequest
	retry pendingRetry
}

// New returns a Client that reports replayed history through dlv.
func New(msgr *messenger.Messenger, clk clock.Source, dlv Deliverer) *Client {
	return &Client{msgr: msgr, clk: clk, dlv: dlv, heartbeatIntervalS: defaultHeartbeatIntervalS}
}

// PrimaryServer returns the node the most recent heartbeat came from and
// whether one has been observed at all.
func (c *Client) PrimaryServer() (transport.NodeID, bool) {
	return c.primaryServer, c.haveServer
}

// ServerAvailable reports whether the primary server has been heard from
// within 2x its heartbeat interval (spec.md §4.5, §5).
func (c *Client) ServerAvailable() bool {
	if !c.haveServer {
		return false
	}
	now := c.clk.NowMS()
	limit := uint64(c.heartbeatIntervalS) * serverUnavailableFactor * 1000
	return now-c.lastHeartbeatMs <= limit
}

// OnReceive handles an inbound packet: StoreAndForward envelopes drive
// server tracking and protocol responses; everything else is ignored (the
// client role never touches the History store, which belongs to C4).
func (c *Client) OnReceive(ctx context.Context, p *transport.Packet) error {
	env, ok, err := messenger.DecodeFromPacket(p)
	if !ok {
		return nil
	}
	if err != nil {
		logger.DebugF("clientrole: protocol decode error from %d: %v", p.From, err)
		return nil
	}
	return c.handleEnvelope(ctx, p, env)
}

func (c *Client) handleEnvelope(ctx context.Context, p *transport.Packet, env *messenger.Envelope) error {
	switch env.RR {
	case messenger.RRRouterHeartbeat:
		c.observeServer(p.From, env.Heartbeat)
		return nil
	case messenger.RRRouterPing:
		c.observeServer(p.From, nil)
		return c.msgr.Send(ctx, p.From, p.Channel, &messenger.Envelope{RR: messenger.RRClientPong})
	case messenger.RRRouterTextBroadcast:
		if env.Text == nil {
			return nil
		}
		c.dlv.DeliverText(p.From, transport.Broadcast, p.Channel, env.Text.Bytes)
		return nil
	case messenger.RRRouterTextDirect:
		if env.Text == nil {
			return nil
		}
		c.dlv.DeliverText(p.From, p.To, p.Channel, env.Text.Bytes)
		return nil
	case messenger.RRRouterError:
		c.scheduleRetry(errorBackoffMs)
		return nil
	case messenger.RRRouterBusy:
		c.scheduleRetry(busyBackoffMs)
		return nil
	default:
		logger.DebugF("clientrole: unhandled rr %s from %d", env.RR, p.From)
		return nil
	}
}

// observeServer records p.From as the primary server and, if hb carries a
// non-zero period, learns the heartbeat interval from it.
func (c *Client) observeServer(from transport.NodeID, hb *messenger.Heartbeat) {
	c.primaryServer = from
	c.haveServer = true
	c.lastHeartbeatMs = c.clk.NowMS()
	if hb != nil && hb.PeriodS > 0 {
		c.heartbeatIntervalS = hb.PeriodS
	}
}

// scheduleRetry arms a resend of the last issued request at now+backoffMs.
// A rejection with no outstanding request (e.g. an unsolicited BUSY) has
// nothing to retry and is ignored.
func (c *Client) scheduleRetry(backoffMs uint64) {
	if !c.last.valid {
		return
	}
	c.retry = pendingRetry{armed: true, atMs: c.clk.NowMS() + backoffMs}
}

// RequestHistory emits CLIENT_HISTORY to server, asking for minutes of
// backlog (0 leaves the server's default window in effect).
func (c *Client) RequestHistory(ctx context.Context, server transport.NodeID, channel uint8, minutes uint32) error {
	env := &messenger.Envelope{RR: messenger.RRClientHistory}
	if minutes > 0 {
		env.WindowMinutes = &minutes
	}
	return c.issue(ctx, server, channel, env)
}

// RequestStats emits CLIENT_STATS to server.
func (c *Client) RequestStats(ctx context.Context, server transport.NodeID, channel uint8) error {
	return c.issue(ctx, server, channel, &messenger.Envelope{RR: messenger.RRClientStats})
}

// SendPing emits CLIENT_PING to server.
func (c *Client) SendPing(ctx context.Context, server transport.NodeID, channel uint8) error {
	return c.issue(ctx, server, channel, &messenger.Envelope{RR: messenger.RRClientPing})
}

// issue sends env and remembers it so a later ROUTER_ERROR/ROUTER_BUSY can
// schedule a retry of the same request.
func (c *Client) issue(ctx context.Context, server transport.NodeID, channel uint8, env *messenger.Envelope) error {
	if err := c.msgr.Send(ctx, server, channel, env); err != nil {
		return err
	}
	c.last = lastRequest{valid: true, server: server, channel: channel, envelope: env}
	c.retry = pendingRetry{}
	return nil
}

// Abort sends CLIENT_ABORT to server, canceling an in-progress session on
// this end (spec.md §4.4 "PeerAbort").
func (c *Client) Abort(ctx context.Context, server transport.NodeID, channel uint8) error {
	c.last = lastRequest{}
	c.retry = pendingRetry{}
	return c.msgr.Send(ctx, server, channel, &messenger.Envelope{RR: messenger.RRClientAbort})
}

// RunOnce drives the retry timer and returns the next tick delay
// (spec.md §4.7).
func (c *Client) RunOnce(ctx context.Context) uint64 {
	if c.retry.armed {
		now := c.clk.NowMS()
		if now >= c.retry.atMs {
			c.retry.armed = false
			if err := c.msgr.Send(ctx, c.last.server, c.last.channel, c.last.envelope); err != nil {
				logger.DebugF("clientrole: retry send failed: %v", err)
			}
		} else {
			return 100
		}
	}
	return activeTickMs
}
