package clientrole

import (
	"context"
	"testing"
	"time"

	"github.com/skywave-mesh/storeforward-node/internal/clock"
	"github.com/skywave-mesh/storeforward-node/internal/messenger"
	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

const self = transport.NodeID(0xC)
const server = transport.NodeID(0xA)

type recordingDeliverer struct {
	from, to transport.NodeID
	channel  uint8
	payload  []byte
	calls    int
}

func (d *recordingDeliverer) DeliverText(from, to transport.NodeID, channel uint8, payload []byte) {
	d.from, d.to, d.channel, d.payload = from, to, channel, payload
	d.calls++
}

func envelopePacket(from, to transport.NodeID, channel uint8, env *messenger.Envelope) *transport.Packet {
	return &transport.Packet{
		From:    from,
		To:      to,
		Channel: channel,
		Decoded: &transport.Decoded{
			PortNum:      transport.PortNumStoreForward,
			PayloadBytes: messenger.Encode(env),
		},
	}
}

func TestHeartbeatTracksPrimaryServerAndAvailability(t *testing.T) {
	clk := clock.NewFake(0, 0)
	tr := transport.NewFake(self)
	dlv := &recordingDeliverer{}
	c := New(messenger.New(tr), clk, dlv)

	if _, ok := c.PrimaryServer(); ok {
		t.Fatal("expected no primary server before first heartbeat")
	}

	hb := &messenger.Envelope{RR: messenger.RRRouterHeartbeat, Heartbeat: &messenger.Heartbeat{PeriodS: 60}}
	if err := c.OnReceive(context.Background(), envelopePacket(server, transport.Broadcast, 0, hb)); err != nil {
		t.Fatal(err)
	}

	got, ok := c.PrimaryServer()
	if !ok || got != server {
		t.Fatalf("expected primary server %x, got %x ok=%v", server, got, ok)
	}
	if !c.ServerAvailable() {
		t.Fatal("expected server available right after heartbeat")
	}

	clk.Advance(121 * time.Second) // > 2x60s heartbeat interval
	if c.ServerAvailable() {
		t.Fatal("expected server unavailable after 2x heartbeat interval elapses")
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	clk := clock.NewFake(0, 0)
	tr := transport.NewFake(self)
	dlv := &recordingDeliverer{}
	c := New(messenger.New(tr), clk, dlv)

	ping := &messenger.Envelope{RR: messenger.RRRouterPing}
	if err := c.OnReceive(context.Background(), envelopePacket(server, self, 1, ping)); err != nil {
		t.Fatal(err)
	}

	env, ok, err := messenger.DecodeFromPacket(tr.LastSent())
	if err != nil || !ok {
		t.Fatalf("expected decodable pong: ok=%v err=%v", ok, err)
	}
	if env.RR != messenger.RRClientPong {
		t.Fatalf("expected CLIENT_PONG, got %s", env.RR)
	}
	if tr.LastSent().To != server {
		t.Fatalf("expected pong addressed to server, got %x", tr.LastSent().To)
	}
}

func TestRouterTextDirectReinjectsUnderOriginalSender(t *testing.T) {
	clk := clock.NewFake(0, 0)
	tr := transport.NewFake(self)
	dlv := &recordingDeliverer{}
	c := New(messenger.New(tr), clk, dlv)

	originalSender := transport.NodeID(0xB)
	env := &messenger.Envelope{RR: messenger.RRRouterTextDirect, Text: &messenger.Text{Bytes: []byte("hi"), Size: 2}}
	// server spoofs From=originalSender, To=self (the requesting client).
	if err := c.OnReceive(context.Background(), envelopePacket(originalSender, self, 1, env)); err != nil {
		t.Fatal(err)
	}

	if dlv.calls != 1 || dlv.from != originalSender || dlv.to != self || string(dlv.payload) != "hi" {
		t.Fatalf("unexpected delivery: %+v", dlv)
	}
}

func TestRouterTextBroadcastReinjectsToBroadcast(t *testing.T) {
	clk := clock.NewFake(0, 0)
	tr := transport.NewFake(self)
	dlv := &recordingDeliverer{}
	c := New(messenger.New(tr), clk, dlv)

	originalSender := transport.NodeID(0xB)
	env := &messenger.Envelope{RR: messenger.RRRouterTextBroadcast, Text: &messenger.Text{Bytes: []byte("yo"), Size: 2}}
	if err := c.OnReceive(context.Background(), envelopePacket(originalSender, self, 1, env)); err != nil {
		t.Fatal(err)
	}

	if dlv.to != transport.Broadcast {
		t.Fatalf("expected broadcast destination, got %x", dlv.to)
	}
}

func TestRequestHistoryEmitsClientHistory(t *testing.T) {
	clk := clock.NewFake(0, 0)
	tr := transport.NewFake(self)
	dlv := &recordingDeliverer{}
	c := New(messenger.New(tr), clk, dlv)

	if err := c.RequestHistory(context.Background(), server, 1, 30); err != nil {
		t.Fatal(err)
	}
	env, _, _ := messenger.DecodeFromPacket(tr.LastSent())
	if env.RR != messenger.RRClientHistory || env.WindowMinutes == nil || *env.WindowMinutes != 30 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestBusyResponseSchedulesRetryAtBackoff(t *testing.T) {
	clk := clock.NewFake(0, 0)
	tr := transport.NewFake(self)
	dlv := &recordingDeliverer{}
	c := New(messenger.New(tr), clk, dlv)
	ctx := context.Background()

	if err := c.RequestStats(ctx, server, 1); err != nil {
		t.Fatal(err)
	}
	sentBefore := len(tr.Sent)

	busy := &messenger.Envelope{RR: messenger.RRRouterBusy}
	if err := c.OnReceive(ctx, envelopePacket(server, self, 1, busy)); err != nil {
		t.Fatal(err)
	}

	if delay := c.RunOnce(ctx); delay != 100 {
		t.Fatalf("expected short tick while retry armed, got %d", delay)
	}
	if len(tr.Sent) != sentBefore {
		t.Fatal("expected no resend before backoff elapses")
	}

	clk.Advance(5001 * time.Millisecond)
	c.RunOnce(ctx)
	if len(tr.Sent) != sentBefore+1 {
		t.Fatal("expected resend once busy backoff elapses")
	}
	env, _, _ := messenger.DecodeFromPacket(tr.LastSent())
	if env.RR != messenger.RRClientStats {
		t.Fatalf("expected resent CLIENT_STATS, got %s", env.RR)
	}
}

func TestAbortClearsPendingRetry(t *testing.T) {
	clk := clock.NewFake(0, 0)
	tr := transport.NewFake(self)
	dlv := &recordingDeliverer{}
	c := New(messenger.New(tr), clk, dlv)
	ctx := context.Background()

	_ = c.RequestStats(ctx, server, 1)
	_ = c.OnReceive(ctx, envelopePacket(server, self, 1, &messenger.Envelope{RR: messenger.RRRouterError}))
	if err := c.Abort(ctx, server, 1); err != nil {
		t.Fatal(err)
	}

	sentBefore := len(tr.Sent)
	clk.Advance(20000 * time.Millisecond)
	c.RunOnce(ctx)
	if len(tr.Sent) != sentBefore {
		t.Fatal("expected abort to cancel the scheduled retry")
	}
}
