// Package persistence implements component C2: crash-safe storage of the
// History ring and its client cursors across restarts (spec.md §4.2). The
// on-disk layout is two files, "sf" and "sf_users", each written with the
// temp-file-then-rename discipline of store.AtomicWrite. The "sf" file
// starts with a format version byte so a corrupt or foreign ring file is
// detected rather than mis-parsed; "sf_users" has no version byte and
// starts directly with its entry count.
package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/skywave-mesh/storeforward-node/internal/history"
	"github.com/skywave-mesh/storeforward-node/internal/store"
	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

const (
	historyFileName = "sf"
	cursorsFileName = "sf_users"

	formatVersion uint8 = 1
)

// ErrCorrupt is returned by Load when a stored file fails its version or
// length checks. Callers fall back to an empty ring rather than treating
// this as fatal (spec.md §4.2, §7 StorageCorrupt).
var ErrCorrupt = errors.New("persistence: stored file is corrupt or unrecognized")

// Persistence saves and loads the History's ring prefix and cursor map
// to a Store-backed directory.
type Persistence struct {
	s   store.Store
	dir string
}

// New returns a Persistence rooted at dir within s.
func New(s store.Store, dir string) *Persistence {
	return &Persistence{s: s, dir: dir}
}

// Save implements history.Saver: it is handed directly to history.New so
// the History can trigger a flush under its own policy (spec.md §4.1/§4.2).
func (p *Persistence) Save(prefix []history.PacketRecord, cursors map[transport.NodeID]uint32) error {
	if err := p.saveHistory(prefix); err != nil {
		return fmt.Errorf("persistence: save history: %w", err)
	}
	if err := p.saveCursors(cursors); err != nil {
		return fmt.Errorf("persistence: save cursors: %w", err)
	}
	return nil
}

// saveHistory writes the "sf" file as version(u8=1) count(u32) records,
// where each record is time(u32) to(u32) from(u32) id(u32) channel(u8)
// reply_id(u32) emoji(u8) payload_size(u16) payload(237 bytes, always
// written in full) (spec.md §4.2, §6).
func (p *Persistence) saveHistory(prefix []history.PacketRecord) error {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, formatVersion)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(prefix)))

	for i := range prefix {
		rec := &prefix[i]
		_ = binary.Write(&buf, binary.LittleEndian, rec.Time)
		_ = binary.Write(&buf, binary.LittleEndian, uint32(rec.To))
		_ = binary.Write(&buf, binary.LittleEndian, uint32(rec.From))
		_ = binary.Write(&buf, binary.LittleEndian, rec.ID)
		_ = binary.Write(&buf, binary.LittleEndian, rec.Channel)
		_ = binary.Write(&buf, binary.LittleEndian, rec.ReplyID)
		_ = binary.Write(&buf, binary.LittleEndian, emojiByte(rec.Emoji))
		_ = binary.Write(&buf, binary.LittleEndian, rec.PayloadSize)
		buf.Write(rec.Payload[:])
	}

	return store.AtomicWrite(p.s, p.dir, historyFileName, buf.Bytes())
}

// saveCursors writes the "sf_users" file as entries_count(u32) followed by
// entries_count pairs of node_id(u32) index(u32) (spec.md §4.2, §6).
func (p *Persistence) saveCursors(cursors map[transport.NodeID]uint32) error {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(cursors)))

	for node, idx := range cursors {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(node))
		_ = binary.Write(&buf, binary.LittleEndian, idx)
	}

	return store.AtomicWrite(p.s, p.dir, cursorsFileName, buf.Bytes())
}

func emojiByte(emoji bool) uint8 {
	if emoji {
		return 1
	}
	return 0
}

// Load reads back the ring prefix and cursor map previously written by
// Save. A missing history file is not an error — it means this is the
// node's first run — and returns a nil prefix. A corrupt file returns
// ErrCorrupt; the caller (the role wiring in cmd/storeforward-node) is
// expected to log and continue with an empty History rather than abort
// startup (spec.md §4.2, §7).
func (p *Persistence) Load() ([]history.PacketRecord, map[transport.NodeID]uint32, error) {
	prefix, err := p.loadHistory()
	if err != nil {
		return nil, nil, err
	}
	cursors, err := p.loadCursors()
	if err != nil {
		return nil, nil, err
	}

	// Cursors referring to an index beyond the loaded prefix are dropped
	// rather than trusted, since the ring may have been truncated between
	// writes of the two files by a crash (spec.md §4.2 edge case).
	for node, idx := range cursors {
		if idx > uint32(len(prefix)) {
			delete(cursors, node)
		}
	}

	return prefix, cursors, nil
}

func (p *Persistence) loadHistory() ([]history.PacketRecord, error) {
	path := p.dir + "/" + historyFileName
	if !p.s.Exists(path) {
		return nil, nil
	}
	f, err := p.s.OpenRead(path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open history file: %w", err)
	}
	defer f.Close()

	var ver uint8
	var count uint32
	if err := binary.Read(f, binary.LittleEndian, &ver); err != nil {
		return nil, ErrCorrupt
	}
	if ver != formatVersion {
		return nil, ErrCorrupt
	}
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return nil, ErrCorrupt
	}

	records := make([]history.PacketRecord, count)
	for i := range records {
		rec := &records[i]
		var to, from uint32
		var emoji uint8
		if err := binary.Read(f, binary.LittleEndian, &rec.Time); err != nil {
			return nil, ErrCorrupt
		}
		if err := binary.Read(f, binary.LittleEndian, &to); err != nil {
			return nil, ErrCorrupt
		}
		if err := binary.Read(f, binary.LittleEndian, &from); err != nil {
			return nil, ErrCorrupt
		}
		rec.To = transport.NodeID(to)
		rec.From = transport.NodeID(from)
		if err := binary.Read(f, binary.LittleEndian, &rec.ID); err != nil {
			return nil, ErrCorrupt
		}
		if err := binary.Read(f, binary.LittleEndian, &rec.Channel); err != nil {
			return nil, ErrCorrupt
		}
		if err := binary.Read(f, binary.LittleEndian, &rec.ReplyID); err != nil {
			return nil, ErrCorrupt
		}
		if err := binary.Read(f, binary.LittleEndian, &emoji); err != nil {
			return nil, ErrCorrupt
		}
		rec.Emoji = emoji != 0
		if err := binary.Read(f, binary.LittleEndian, &rec.PayloadSize); err != nil {
			return nil, ErrCorrupt
		}
		if int(rec.PayloadSize) > history.MaxPayloadBytes {
			return nil, ErrCorrupt
		}
		if _, err := io.ReadFull(f, rec.Payload[:]); err != nil {
			return nil, ErrCorrupt
		}
	}

	return records, nil
}

func (p *Persistence) loadCursors() (map[transport.NodeID]uint32, error) {
	path := p.dir + "/" + cursorsFileName
	if !p.s.Exists(path) {
		return make(map[transport.NodeID]uint32), nil
	}
	f, err := p.s.OpenRead(path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open cursors file: %w", err)
	}
	defer f.Close()

	var count uint32
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return nil, ErrCorrupt
	}

	cursors := make(map[transport.NodeID]uint32, count)
	for i := uint32(0); i < count; i++ {
		var node, idx uint32
		if err := binary.Read(f, binary.LittleEndian, &node); err != nil {
			return nil, ErrCorrupt
		}
		if err := binary.Read(f, binary.LittleEndian, &idx); err != nil {
			return nil, ErrCorrupt
		}
		cursors[transport.NodeID(node)] = idx
	}

	return cursors, nil
}
