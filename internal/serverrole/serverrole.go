// Package serverrole implements component C4: the server-side replay
// state machine, text command grammar, heartbeat, and stats snapshot
// (spec.md §4.4).
package serverrole

import (
	"context"

	"github.com/skywave-mesh/storeforward-node/internal/clock"
	"github.com/skywave-mesh/storeforward-node/internal/history"
	"github.com/skywave-mesh/storeforward-node/internal/logger"
	"github.com/skywave-mesh/storeforward-node/internal/messenger"
	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

// State is the replay session state (spec.md §4.4).
type State int

const (
	Idle State = iota
	Announcing
	Draining
	WaitingAck
	Notifying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Announcing:
		return "Announcing"
	case Draining:
		return "Draining"
	case WaitingAck:
		return "WaitingAck"
	case Notifying:
		return "Notifying"
	default:
		return "Unknown"
	}
}

const (
	initialRetryTimeoutMs = 5000
	maxRetries            = 7

	activeTickMs = 5000
	shortTickMs  = 100

	// pendingNotificationGateMs is the delay after a state change before
	// a queued notification text is sent (spec.md §5 "Timeouts").
	pendingNotificationGateMs = 500
)

// Config configures the server role from the module's configuration
// (spec.md §6).
type Config struct {
	ReturnMax            uint32
	ReturnWindowMinutes  uint32
	HeartbeatEnabled     bool
	HeartbeatIntervalSec uint32
}

// pending is the single ad-hoc notification slot (spec.md §9: "Ad-hoc
// pending-notification flags" are unified into one Pending slot).
type pending struct {
	active         bool
	target         transport.NodeID
	channel        uint8
	text           string
	earliestSendMs uint64
}

// Server drives the S&F server role: one replay session at a time,
// serialized with packet receipt on the scheduler's single thread
// (spec.md §5).
type Server struct {
	history *history.History
	msgr    *messenger.Messenger
	tr      transport.Transport
	clk     clock.Source
	cfg     Config
	self    transport.NodeID

	state  State
	busy   bool
	busyTo transport.NodeID

	channel      uint8
	windowSince  uint32
	windowS      uint32
	requestCount uint32

	currentIndex  uint32
	currentRecord history.PacketRecord

	lastMsgID      uint32
	originalMsgID  uint32
	retryCount     uint32
	retryTimeoutMs uint64
	retryDeadline  uint64

	pend pending

	startMs         uint64
	requestsTotal   uint32
	requestsHistory uint32
	lastHeartbeat   uint64

	phoneCursor uint32

	sentAtMs          uint64
	replayLatenciesMs []float64
}

// replayLatencyHistoryCap bounds the buffer diagnostics drains from;
// samples beyond it are dropped rather than blocking the server loop.
const replayLatencyHistoryCap = 256

// New constructs a Server role. self is this node's own ID, used to
// exclude self-originated records from phone delivery.
func New(h *history.History, msgr *messenger.Messenger, tr transport.Transport, clk clock.Source, self transport.NodeID, cfg Config) *Server {
	return &Server{
		history: h,
		msgr:    msgr,
		tr:      tr,
		clk:     clk,
		cfg:     cfg,
		self:    self,
		startMs: clk.NowMS(),
	}
}

// State reports the current replay session state, for tests and
// diagnostics.
func (s *Server) State() State { return s.state }

func isBareSF(payload []byte) bool {
	if len(payload) == 2 {
		return payload[0] == 'S' && payload[1] == 'F'
	}
	if len(payload) == 3 {
		return payload[0] == 'S' && payload[1] == 'F' && payload[2] == 0
	}
	return false
}

func hasPrefix(payload []byte, prefix string) bool {
	if len(payload) < len(prefix) {
		return false
	}
	return string(payload[:len(prefix)]) == prefix
}

// OnReceive inspects an inbound packet for SF text commands, an incoming
// acknowledgment we are awaiting, a StoreAndForward protocol message, or
// any other storable text (spec.md §4.4 "Public contract").
func (s *Server) OnReceive(ctx context.Context, p *transport.Packet) error {
	if p.AckID != nil {
		s.OnAck(*p.AckID)
		return nil
	}

	env, ok, err := messenger.DecodeFromPacket(p)
	if ok {
		if err != nil {
			logger.DebugF("serverrole: dropping undecodable envelope from %d: %v", p.From, err)
			return nil
		}
		return s.handleEnvelope(ctx, p, env)
	}

	if p.Decoded == nil || p.Decoded.PortNum != transport.PortNumTextMessage {
		return nil
	}
	payload := p.Decoded.PayloadBytes

	switch {
	case hasPrefix(payload, "SF reset"):
		return s.handleReset(ctx, p.From, p.Channel)
	case hasPrefix(payload, "SF stats"):
		return s.sendStats(ctx, p.From, p.Channel)
	case isBareSF(payload):
		s.requestsTotal++
		s.requestsHistory++
		return s.handleHistoryRequest(ctx, p.From, p.Channel, nil)
	}

	if s.history.ShouldStore(p) {
		prevCount := s.history.Count()
		s.history.Record(p, s.clk.UnixTime())
		if s.history.Count() < prevCount {
			s.phoneCursor = 0
		}
	}
	return nil
}

func (s *Server) handleEnvelope(ctx context.Context, p *transport.Packet, env *messenger.Envelope) error {
	s.requestsTotal++
	switch env.RR {
	case messenger.RRClientHistory:
		s.requestsHistory++
		return s.handleHistoryRequest(ctx, p.From, p.Channel, env.WindowMinutes)
	case messenger.RRClientStats:
		return s.sendStats(ctx, p.From, p.Channel)
	case messenger.RRClientError, messenger.RRClientAbort:
		return s.handlePeerAbort(p.From)
	default:
		logger.DebugF("serverrole: ignoring unhandled envelope kind %s from %d", env.RR, p.From)
		return nil
	}
}

func (s *Server) handlePeerAbort(from transport.NodeID) error {
	if s.busy && s.busyTo == from && (s.state == Draining || s.state == WaitingAck) {
		s.resetSession()
	}
	return nil
}

// handleHistoryRequest implements the Idle transition on "SF" or
// CLIENT_HISTORY (spec.md §4.4 state diagram).
func (s *Server) handleHistoryRequest(ctx context.Context, from transport.NodeID, channel uint8, windowMinutesOverride *uint32) error {
	if s.tr.IsDefaultChannel(channel) {
		s.queuePending(from, channel, "S&F not permitted on the public channel")
		return nil
	}
	if s.busy {
		s.queuePending(from, channel, "S&F - Busy. Try again shortly.")
		return nil
	}

	windowMinutes := s.cfg.ReturnWindowMinutes
	if windowMinutesOverride != nil && *windowMinutesOverride > 0 {
		windowMinutes = *windowMinutesOverride
	}
	windowS := windowMinutes * 60
	now := s.clk.UnixTime()
	var sinceTime uint32
	if now > windowS {
		sinceTime = now - windowS
	}

	available := s.history.NumAvailable(from, sinceTime)
	if available == 0 {
		s.busy = true
		s.busyTo = from
		s.state = Notifying
		s.queuePending(from, channel, "No messages available in your history window.")
		return nil
	}

	s.busy = true
	s.busyTo = from
	s.channel = channel
	s.windowSince = sinceTime
	s.windowS = windowS
	s.requestCount = 0
	s.state = Announcing

	env := &messenger.Envelope{
		RR: messenger.RRRouterHistory,
		History: &messenger.History{
			HistoryMessages: available,
			WindowMs:        windowS * 1000,
			LastRequest:     now,
		},
	}
	if err := s.msgr.Send(ctx, from, channel, env); err != nil {
		logger.DebugF("serverrole: ROUTER_HISTORY send deferred to next tick: %v", err)
		return nil
	}
	s.state = Draining
	return nil
}

func (s *Server) handleReset(ctx context.Context, from transport.NodeID, channel uint8) error {
	existed := s.history.ResetCursor(from)
	text := "S&F - History reset successful. Use 'SF' to receive all messages."
	if !existed {
		text = "S&F - Nothing to reset."
	}
	s.queuePending(from, channel, text)
	return nil
}

// StatsSnapshot returns the same statistics sendStats reports over the
// mesh, for the optional diagnostics exporter to sample without
// generating airtime.
func (s *Server) StatsSnapshot() messenger.Stats {
	upTime := uint32((s.clk.NowMS() - s.startMs) / 1000)
	return messenger.Stats{
		MessagesTotal:   s.history.Count(),
		MessagesSaved:   s.history.Count(),
		MessagesMax:     s.history.MaxRecords(),
		UpTimeS:         upTime,
		Requests:        s.requestsTotal,
		RequestsHistory: s.requestsHistory,
		Heartbeat:       s.cfg.HeartbeatEnabled,
		ReturnMax:       s.cfg.ReturnMax,
		ReturnWindowS:   s.cfg.ReturnWindowMinutes * 60,
	}
}

func (s *Server) sendStats(ctx context.Context, to transport.NodeID, channel uint8) error {
	stats := s.StatsSnapshot()
	env := &messenger.Envelope{
		RR:    messenger.RRRouterStats,
		Stats: &stats,
	}
	return s.msgr.Send(ctx, to, channel, env)
}

func (s *Server) queuePending(target transport.NodeID, channel uint8, text string) {
	s.pend = pending{
		active:         true,
		target:         target,
		channel:        channel,
		text:           text,
		earliestSendMs: s.clk.NowMS() + pendingNotificationGateMs,
	}
}

func (s *Server) resetSession() {
	s.state = Idle
	s.busy = false
	s.busyTo = 0
	s.requestCount = 0
	s.retryCount = 0
}

// OnAck notifies the server that a link-layer acknowledgment arrived for
// packet id, normally invoked by OnReceive when a packet's AckID is set.
// Stale acks (not matching the most recent outbound last_msg_id) are
// ignored (spec.md §5 ordering guarantee 3, §9 ack matching decision).
func (s *Server) OnAck(id uint32) {
	if s.state != WaitingAck || id != s.lastMsgID {
		return
	}

	nextIdx := s.currentIndex + 1
	if err := s.history.UpdateCursor(s.busyTo, nextIdx); err != nil {
		logger.DebugF("serverrole: cursor advance rejected for %d: %v", s.busyTo, err)
	}
	s.recordReplayLatency(s.clk.NowMS() - s.sentAtMs)
	s.requestCount++
	s.retryCount = 0
	s.state = Draining
}

// recordReplayLatency appends a replay round-trip sample for the
// diagnostics exporter to drain, dropping the oldest sample once the
// buffer fills rather than growing unbounded.
func (s *Server) recordReplayLatency(ms uint64) {
	if len(s.replayLatenciesMs) >= replayLatencyHistoryCap {
		s.replayLatenciesMs = s.replayLatenciesMs[1:]
	}
	s.replayLatenciesMs = append(s.replayLatenciesMs, float64(ms))
}

// DrainReplayLatenciesMs returns and clears the buffered replay latency
// samples (milliseconds from send to ack), for the optional diagnostics
// exporter.
func (s *Server) DrainReplayLatenciesMs() []float64 {
	out := s.replayLatenciesMs
	s.replayLatenciesMs = nil
	return out
}

// Self returns this node's own ID, for the diagnostics exporter's
// per-node document key.
func (s *Server) Self() transport.NodeID { return s.self }

// RunOnce drives the state machine and returns the delay in ms before
// the scheduler should call it again (spec.md §4.4, §4.7).
func (s *Server) RunOnce(ctx context.Context) uint64 {
	now := s.clk.NowMS()

	s.drainPending(ctx, now)

	switch s.state {
	case Announcing:
		return s.driveAnnouncing(ctx)
	case Draining:
		return s.driveDraining(ctx)
	case WaitingAck:
		return s.driveWaitingAck(ctx, now)
	}

	s.driveHeartbeat(ctx, now)

	if s.busy || s.pend.active {
		return shortTickMs
	}
	return activeTickMs
}

func (s *Server) drainPending(ctx context.Context, now uint64) {
	if !s.pend.active || now < s.pend.earliestSendMs {
		return
	}
	if !s.tr.IsTxAllowed(transport.UtilClassNormal) {
		return
	}
	if err := s.msgr.SendText(ctx, s.pend.target, s.pend.channel, []byte(s.pend.text), false); err != nil {
		logger.DebugF("serverrole: notification send deferred: %v", err)
		return
	}
	s.pend.active = false
	if s.state == Notifying {
		s.resetSession()
	}
}

func (s *Server) driveAnnouncing(ctx context.Context) uint64 {
	if !s.tr.IsTxAllowed(transport.UtilClassNormal) {
		return shortTickMs
	}
	now := s.clk.UnixTime()
	available := s.history.NumAvailable(s.busyTo, s.windowSince)
	env := &messenger.Envelope{
		RR: messenger.RRRouterHistory,
		History: &messenger.History{
			HistoryMessages: available,
			WindowMs:        s.windowS * 1000,
			LastRequest:     now,
		},
	}
	if err := s.msgr.Send(ctx, s.busyTo, s.channel, env); err != nil {
		return shortTickMs
	}
	s.state = Draining
	return shortTickMs
}

func (s *Server) driveDraining(ctx context.Context) uint64 {
	if s.requestCount >= s.cfg.ReturnMax {
		s.resetSession()
		return activeTickMs
	}
	if !s.tr.IsTxAllowed(transport.UtilClassNormal) {
		return shortTickMs
	}

	indexed := s.history.MessagesForIndexed(s.busyTo, s.windowSince)
	if len(indexed) == 0 {
		s.resetSession()
		return activeTickMs
	}

	next := indexed[0]
	s.currentIndex = next.Index
	s.currentRecord = next.Record

	sent, err := s.msgr.SendReplay(ctx, next.Record.From, next.Record.To, s.busyTo, s.channel,
		next.Record.PayloadBytes(), 0, transport.PriorityLow)
	if err != nil {
		return shortTickMs
	}

	s.lastMsgID = sent.ID
	s.originalMsgID = sent.ID
	s.retryCount = 0
	s.retryTimeoutMs = initialRetryTimeoutMs
	s.retryDeadline = s.clk.NowMS() + s.retryTimeoutMs
	s.sentAtMs = s.clk.NowMS()
	s.state = WaitingAck
	return shortTickMs
}

func (s *Server) driveWaitingAck(ctx context.Context, now uint64) uint64 {
	if now < s.retryDeadline {
		return shortTickMs
	}

	if s.retryCount >= maxRetries {
		s.resetSession()
		return activeTickMs
	}

	s.retryCount++
	s.retryTimeoutMs *= 2

	sent, err := s.msgr.SendReplay(ctx, s.currentRecord.From, s.currentRecord.To, s.busyTo, s.channel,
		s.currentRecord.PayloadBytes(), s.originalMsgID, transport.PriorityDefault)
	if err == nil {
		s.lastMsgID = sent.ID
	}
	s.retryDeadline = s.clk.NowMS() + s.retryTimeoutMs
	return shortTickMs
}

func (s *Server) driveHeartbeat(ctx context.Context, now uint64) {
	if !s.cfg.HeartbeatEnabled {
		return
	}
	intervalMs := uint64(s.cfg.HeartbeatIntervalSec) * 1000
	if now-s.lastHeartbeat < intervalMs {
		return
	}
	if !s.tr.IsTxAllowed(transport.UtilClassBackground) {
		return
	}
	env := &messenger.Envelope{RR: messenger.RRRouterHeartbeat, Heartbeat: &messenger.Heartbeat{PeriodS: s.cfg.HeartbeatIntervalSec}}
	if err := s.msgr.Send(ctx, transport.Broadcast, 0, env); err != nil {
		logger.DebugF("serverrole: heartbeat send deferred: %v", err)
		return
	}
	s.lastHeartbeat = now
}

// ForPhone produces the next locally-deliverable stored record for the
// host UI, advancing an internal cursor independent of client replay
// cursors (spec.md §4.4, §9 "for_phone" decision).
func (s *Server) ForPhone() (history.PacketRecord, bool) {
	rec, next, ok := s.history.NextForPhone(s.self, s.phoneCursor)
	if !ok {
		return history.PacketRecord{}, false
	}
	s.phoneCursor = next
	return rec, true
}
