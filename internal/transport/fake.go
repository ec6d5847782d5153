package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrAllocFailed is returned by Fake when it is configured to simulate
// allocator exhaustion (spec.md §7, AllocFailed).
var ErrAllocFailed = errors.New("transport: packet allocator exhausted")

// Fake is an in-memory Transport for tests: it records every packet
// handed to Send and lets the test control airtime/default-channel
// behavior and simulate allocation failures.
type Fake struct {
	mu sync.Mutex

	Self NodeID

	Sent      []*Packet
	TxAllowed bool
	UtilPct   float32
	DefaultCh uint8
	AllocErr  bool

	nextID uint32
	in     chan *Packet
}

// NewFake returns a Fake transport with sending allowed and channel 0
// treated as the default/public channel, matching a freshly-joined node.
func NewFake(self NodeID) *Fake {
	return &Fake{
		Self:      self,
		TxAllowed: true,
		DefaultCh: 0,
		nextID:    1,
		in:        make(chan *Packet, 64),
	}
}

// Inbound implements Receiver.
func (f *Fake) Inbound() <-chan *Packet {
	return f.in
}

// Deliver pushes p onto the inbound channel, simulating a packet arriving
// from the mesh.
func (f *Fake) Deliver(p *Packet) {
	f.in <- p
}

// DeliverAck simulates the mesh acknowledging delivery of the previously
// sent packet with the given id, arriving over the same inbound channel
// as any other packet.
func (f *Fake) DeliverAck(id uint32) {
	f.Deliver(&Packet{AckID: &id})
}

func (f *Fake) AllocatePacket() (*Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AllocErr {
		return nil, ErrAllocFailed
	}
	id := f.nextID
	f.nextID++
	return &Packet{From: f.Self, ID: id}, nil
}

func (f *Fake) Send(_ context.Context, p *Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, p)
	return nil
}

func (f *Fake) IsTxAllowed(_ ChannelUtilClass) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TxAllowed
}

func (f *Fake) ChannelUtilizationPercent() float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.UtilPct
}

func (f *Fake) IsDefaultChannel(ch uint8) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ch == f.DefaultCh
}

// LastSent returns the most recently sent packet, or nil.
func (f *Fake) LastSent() *Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Sent) == 0 {
		return nil
	}
	return f.Sent[len(f.Sent)-1]
}
