// Package transport defines the Mesh transport seam consumed by the rest
// of the module (spec.md §6): packet allocation, sending, airtime gating,
// and the shape of an inbound packet. Framing, encryption, routing and ACK
// generation are the transport's concern and are out of scope here — this
// package only describes the boundary.
package transport

import "context"

// NodeID identifies a mesh node. Broadcast is the sentinel "all nodes"
// destination (spec.md §3).
type NodeID uint32

// Broadcast is the sentinel "to" value meaning every node on the channel.
const Broadcast NodeID = 0xFFFFFFFF

// MaxPayloadBytes is the per-record payload cap (spec.md §3).
const MaxPayloadBytes = 237

// PortNumTextMessage is the decoded payload's application port number for
// a plain text message, the only kind of traffic the History Store
// retains (spec.md §4.1).
const PortNumTextMessage uint32 = 1

// PortNumStoreForward is the application port the Messenger's
// StoreAndForward envelope travels on (spec.md §4.3).
const PortNumStoreForward uint32 = 65

// Priority mirrors the outbound priority hint passed to the allocator.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityDefault
	PriorityHigh
)

// Decoded carries a cleartext application payload.
type Decoded struct {
	PortNum      uint32
	PayloadBytes []byte
	WantResponse bool
	ReplyID      uint32
	Emoji        bool
	RequestID    uint32
}

// Packet is an inbound or outbound mesh packet. For an inbound packet,
// exactly one of Decoded, EncryptedBytes, or AckID is populated: AckID
// carries the link-layer acknowledgment of an earlier outbound packet
// (spec.md §4.4 "(b) incoming acknowledgments we are awaiting") delivered
// the same way any other packet arrives, over Receiver.Inbound. Outbound
// packets constructed via Allocator are always Decoded.
type Packet struct {
	From    NodeID
	To      NodeID
	ID      uint32
	Channel uint8

	Decoded        *Decoded
	EncryptedBytes []byte
	AckID          *uint32

	WantAck bool
	Prio    Priority
}

// IsEncrypted reports whether the packet could not be decoded (spec.md §4.1
// edge cases: "encrypted variant ... stored with minimal metadata").
func (p *Packet) IsEncrypted() bool {
	return p.Decoded == nil && p.AckID == nil
}

// IsAck reports whether p is a link-layer acknowledgment rather than a
// decoded or encrypted payload.
func (p *Packet) IsAck() bool {
	return p.AckID != nil
}

// ChannelUtilClass distinguishes the traffic categories the airtime
// governor applies different duty-cycle budgets to.
type ChannelUtilClass int

const (
	UtilClassBackground ChannelUtilClass = iota
	UtilClassNormal
)

// Allocator produces an outbound packet ready for Sender.Send.
type Allocator interface {
	AllocatePacket() (*Packet, error)
}

// Sender transmits a previously allocated packet.
type Sender interface {
	Send(ctx context.Context, p *Packet) error
}

// AirtimeGovernor gates transmission based on channel duty-cycle budgets
// (spec.md §1, "Airtime governor").
type AirtimeGovernor interface {
	IsTxAllowed(class ChannelUtilClass) bool
	ChannelUtilizationPercent() float32
}

// ChannelClassifier tells whether a channel index is the default/public
// channel, which several S&F commands are refused on (spec.md §4.4).
type ChannelClassifier interface {
	IsDefaultChannel(ch uint8) bool
}

// Receiver exposes the packet ingress callback as a channel the scheduler
// can select on alongside its tick timer (spec.md §6, §4.7).
type Receiver interface {
	Inbound() <-chan *Packet
}

// Transport bundles the seams a role needs to speak to the mesh.
type Transport interface {
	Allocator
	Sender
	AirtimeGovernor
	ChannelClassifier
}
