package messenger

import (
	"context"
	"fmt"

	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

// ackRequired reports whether rr's outbound packet should request a
// link-layer acknowledgment (spec.md §4.3: "only critical control
// messages ... request link-layer acknowledgment").
func ackRequired(rr RR) bool {
	switch rr {
	case RRRouterError, RRRouterBusy, RRRouterHistory:
		return true
	default:
		return false
	}
}

// Messenger builds and sends StoreAndForward envelopes over a transport
// and decodes inbound ones (spec.md §4.3, component C3).
type Messenger struct {
	t transport.Transport
}

// New returns a Messenger backed by t.
func New(t transport.Transport) *Messenger {
	return &Messenger{t: t}
}

// Send encodes env, allocates a packet via the transport, and sends it to
// dest. All protocol messages carry low priority (spec.md §4.3).
func (m *Messenger) Send(ctx context.Context, dest transport.NodeID, channel uint8, env *Envelope) error {
	p, err := m.t.AllocatePacket()
	if err != nil {
		return fmt.Errorf("messenger: allocate packet: %w", err)
	}
	p.To = dest
	p.Channel = channel
	p.Prio = transport.PriorityLow
	p.WantAck = ackRequired(env.RR)
	p.Decoded = &transport.Decoded{
		PortNum:      transport.PortNumStoreForward,
		PayloadBytes: Encode(env),
	}
	return m.t.Send(ctx, p)
}

// SendText allocates and sends a plain text message (used to answer SF
// commands with notification texts), requesting link-layer
// acknowledgment only when wantAck is set. Replayed history goes through
// SendReplay instead.
func (m *Messenger) SendText(ctx context.Context, dest transport.NodeID, channel uint8, payload []byte, wantAck bool) error {
	p, err := m.t.AllocatePacket()
	if err != nil {
		return fmt.Errorf("messenger: allocate packet: %w", err)
	}
	p.To = dest
	p.Channel = channel
	p.Prio = transport.PriorityLow
	p.WantAck = wantAck
	p.Decoded = &transport.Decoded{
		PortNum:      transport.PortNumTextMessage,
		PayloadBytes: payload,
	}
	return m.t.Send(ctx, p)
}

// SendReplay sends a single replayed history record to dest as a
// ROUTER_TEXT_BROADCAST or ROUTER_TEXT_DIRECT envelope, carrying the
// original sender as the packet's From so the client can re-inject it
// under the original sender's identity (spec.md §4.5). requestID, when
// non-zero, is carried as the decoded payload's RequestID to reference
// the first attempt's packet ID on a retry (spec.md §4.4 "Replay
// ordering and cursor semantics"). It returns the sent packet so the
// caller can record its ID for ack matching.
func (m *Messenger) SendReplay(ctx context.Context, originalFrom, originalTo, dest transport.NodeID, channel uint8, payload []byte, requestID uint32, prio transport.Priority) (*transport.Packet, error) {
	p, err := m.t.AllocatePacket()
	if err != nil {
		return nil, fmt.Errorf("messenger: allocate packet: %w", err)
	}

	rr := RRRouterTextDirect
	if originalTo == transport.Broadcast {
		rr = RRRouterTextBroadcast
	}
	env := &Envelope{RR: rr, Text: &Text{Bytes: payload, Size: uint32(len(payload))}}

	p.From = originalFrom
	p.To = dest
	p.Channel = channel
	p.Prio = prio
	p.WantAck = true
	p.Decoded = &transport.Decoded{
		PortNum:      transport.PortNumStoreForward,
		PayloadBytes: Encode(env),
		RequestID:    requestID,
	}

	if err := m.t.Send(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeFromPacket extracts and decodes the StoreAndForward envelope
// carried in p, or returns ok=false if p is not on the protocol port.
func DecodeFromPacket(p *transport.Packet) (env *Envelope, ok bool, err error) {
	if p.Decoded == nil || p.Decoded.PortNum != transport.PortNumStoreForward {
		return nil, false, nil
	}
	env, err = Decode(p.Decoded.PayloadBytes)
	if err != nil {
		return nil, true, err
	}
	return env, true, nil
}
