// Package history implements the History Store (spec.md §4.1, component
// C1): a fixed-capacity ring of recorded packets, content-based duplicate
// suppression, and per-client replay cursors.
package history

import "github.com/skywave-mesh/storeforward-node/internal/transport"

// MaxPayloadBytes is the per-record payload cap (spec.md §3).
const MaxPayloadBytes = transport.MaxPayloadBytes

// PacketRecord is one slot in the history ring. Immutable once written by
// Record; a slot is only ever overwritten on ring wrap.
type PacketRecord struct {
	Time        uint32
	From        transport.NodeID
	To          transport.NodeID
	ID          uint32
	Channel     uint8
	ReplyID     uint32
	Emoji       bool
	PayloadSize uint16
	Payload     [MaxPayloadBytes]byte
}

// PayloadBytes returns the meaningful prefix of Payload.
func (r *PacketRecord) PayloadBytes() []byte {
	return r.Payload[:r.PayloadSize]
}

func newRecord(p *transport.Packet, rxTime uint32, logTruncate func(got, max int)) PacketRecord {
	rec := PacketRecord{
		Time:    rxTime,
		From:    p.From,
		To:      p.To,
		ID:      p.ID,
		Channel: p.Channel,
	}

	var payload []byte
	if p.Decoded != nil {
		payload = p.Decoded.PayloadBytes
		rec.ReplyID = p.Decoded.ReplyID
		rec.Emoji = p.Decoded.Emoji
	} else {
		payload = p.EncryptedBytes
	}

	n := len(payload)
	if n > MaxPayloadBytes {
		if logTruncate != nil {
			logTruncate(n, MaxPayloadBytes)
		}
		n = MaxPayloadBytes
	}
	rec.PayloadSize = uint16(n)
	copy(rec.Payload[:], payload[:n])
	return rec
}
