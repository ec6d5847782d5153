package messenger

import (
	"context"
	"testing"

	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

func TestSendRouterHistoryRequestsAck(t *testing.T) {
	tr := transport.NewFake(1)
	m := New(tr)

	env := &Envelope{RR: RRRouterHistory, History: &History{HistoryMessages: 3}}
	if err := m.Send(context.Background(), 2, 0, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := tr.LastSent()
	if sent == nil {
		t.Fatal("expected a packet to be sent")
	}
	if !sent.WantAck {
		t.Fatal("expected ROUTER_HISTORY to request acknowledgment")
	}
	if sent.Prio != transport.PriorityLow {
		t.Fatalf("expected low priority, got %v", sent.Prio)
	}
	if sent.Decoded.PortNum != transport.PortNumStoreForward {
		t.Fatalf("expected store-forward port, got %d", sent.Decoded.PortNum)
	}
}

func TestSendHeartbeatDoesNotRequestAck(t *testing.T) {
	tr := transport.NewFake(1)
	m := New(tr)

	env := &Envelope{RR: RRRouterHeartbeat, Heartbeat: &Heartbeat{PeriodS: 900}}
	if err := m.Send(context.Background(), transport.Broadcast, 0, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tr.LastSent().WantAck {
		t.Fatal("did not expect a heartbeat to request acknowledgment")
	}
}

func TestSendTextHonorsWantAck(t *testing.T) {
	tr := transport.NewFake(1)
	m := New(tr)

	if err := m.SendText(context.Background(), 2, 0, []byte("replayed"), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.LastSent().WantAck {
		t.Fatal("expected replayed text to request acknowledgment")
	}
}

func TestDecodeFromPacketIgnoresOtherPorts(t *testing.T) {
	p := &transport.Packet{
		Decoded: &transport.Decoded{PortNum: transport.PortNumTextMessage, PayloadBytes: []byte("hi")},
	}
	_, ok, err := DecodeFromPacket(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("did not expect a text-message packet to be treated as a StoreAndForward envelope")
	}
}

func TestDecodeFromPacketParsesEnvelope(t *testing.T) {
	env := &Envelope{RR: RRClientStats}
	p := &transport.Packet{
		Decoded: &transport.Decoded{PortNum: transport.PortNumStoreForward, PayloadBytes: Encode(env)},
	}
	decoded, ok, err := DecodeFromPacket(p)
	if err != nil || !ok {
		t.Fatalf("unexpected result: decoded=%+v ok=%v err=%v", decoded, ok, err)
	}
	if decoded.RR != RRClientStats {
		t.Fatalf("expected CLIENT_STATS, got %s", decoded.RR)
	}
}
