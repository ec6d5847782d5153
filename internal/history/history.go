package history

import (
	"fmt"
	"sort"

	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

// DefaultMaxRecords is used when config leaves "records" at 0 (auto) and
// no auxiliary-memory-derived budget is supplied (spec.md §3).
const DefaultMaxRecords = 3000

// seenIDsBound is the size at which the seen_ids cache is pruned
// (spec.md §4.1).
const seenIDsBound = 1000

// ErrInvalidCursor is returned by UpdateCursor when the requested index
// exceeds the current record count.
var ErrInvalidCursor = fmt.Errorf("history: cursor index exceeds stored record count")

// Saver persists the ring's current prefix and the cursor map. It is the
// seam onto component C2 (Persistence); History calls it when its own
// flush policy (spec.md §4.1/§4.2) fires: every saveEveryN records or on a
// cursor change. The third trigger, an orderly shutdown, is outside
// History's own awareness and is wired at the process level instead (see
// cmd/storeforward-node's shutdown Callable). A nil Saver disables the
// immediate-flush behavior (the caller is then responsible for invoking
// Persistence directly, e.g. after a cursor-advancing replay send).
type Saver interface {
	Save(prefix []PacketRecord, cursors map[transport.NodeID]uint32) error
}

// TruncateLogger is notified when an oversized payload is truncated to
// MaxPayloadBytes (spec.md §4.1 edge cases).
type TruncateLogger interface {
	LogTruncated(id uint32, got, max int)
}

// History is the fixed-capacity ring of recorded packets plus its
// duplicate filter and per-client replay cursors (spec.md §3, component
// C1). It is mutated only from the server role's single thread (spec.md
// §5); no internal locking is performed.
type History struct {
	records    []PacketRecord
	count      uint32
	maxRecords uint32

	// contentIndex maps a content-equality key to true for every record
	// currently stored in the ring; this makes IsDuplicate O(1) while
	// remaining equivalent to "compare against every record by content"
	// because it is rebuilt from scratch on wrap and on Clear.
	contentIndex map[string]struct{}

	seenIDs   map[uint32]struct{}
	maxSeenID uint32

	cursors map[transport.NodeID]uint32

	saver      Saver
	saveEveryN uint32
	sinceSave  uint32
	truncLog   TruncateLogger
}

// New creates a History with the given ring capacity. maxRecords of 0
// falls back to DefaultMaxRecords (spec.md §3: "typical 3000").
func New(maxRecords uint32, saver Saver, truncLog TruncateLogger) *History {
	if maxRecords == 0 {
		maxRecords = DefaultMaxRecords
	}
	return &History{
		records:      make([]PacketRecord, maxRecords),
		maxRecords:   maxRecords,
		contentIndex: make(map[string]struct{}),
		seenIDs:      make(map[uint32]struct{}),
		cursors:      make(map[transport.NodeID]uint32),
		saver:        saver,
		saveEveryN:   10,
		truncLog:     truncLog,
	}
}

// MaxRecords returns the ring capacity.
func (h *History) MaxRecords() uint32 { return h.maxRecords }

// Count returns the number of records currently populated (0..maxRecords).
func (h *History) Count() uint32 { return h.count }

func contentKey(from, to transport.NodeID, payload []byte) string {
	return fmt.Sprintf("%d|%d|%d|%s", from, to, len(payload), payload)
}

// isSFCommand reports whether payload begins with the ASCII command
// prefix "SF", terminated by end-of-payload, a space, or NUL (spec.md
// §4.1).
func isSFCommand(payload []byte) bool {
	if len(payload) < 2 || payload[0] != 'S' || payload[1] != 'F' {
		return false
	}
	if len(payload) == 2 {
		return true
	}
	switch payload[2] {
	case ' ', 0:
		return true
	default:
		return false
	}
}

// ShouldStore reports whether p qualifies for retention: a decoded text
// message of positive size, not an SF command, and not a duplicate
// (spec.md §4.1).
func (h *History) ShouldStore(p *transport.Packet) bool {
	if p.Decoded == nil {
		return false
	}
	if p.Decoded.PortNum != transport.PortNumTextMessage {
		return false
	}
	payload := p.Decoded.PayloadBytes
	if len(payload) == 0 {
		return false
	}
	if isSFCommand(payload) {
		return false
	}
	return !h.IsDuplicate(p)
}

// IsDuplicate compares p against recent records by (from, to, payload
// size, payload bytes) — content equality, not packet-ID equality
// (spec.md §4.1; §9 resolves the source's ID-vs-content inconsistency in
// favor of content).
func (h *History) IsDuplicate(p *transport.Packet) bool {
	payload := payloadOf(p)
	_, ok := h.contentIndex[contentKey(p.From, p.To, payload)]
	return ok
}

func payloadOf(p *transport.Packet) []byte {
	if p.Decoded != nil {
		return p.Decoded.PayloadBytes
	}
	return p.EncryptedBytes
}

// Record writes a new record at the current count, wrapping (and
// resetting every client cursor) if the ring is full (spec.md §3, §4.1).
// rxTime is the record's stored receive time (spec.md §6's time seam —
// History does not call the clock itself).
func (h *History) Record(p *transport.Packet, rxTime uint32) {
	var logTrunc func(got, max int)
	if h.truncLog != nil {
		logTrunc = func(got, max int) { h.truncLog.LogTruncated(p.ID, got, max) }
	}
	rec := newRecord(p, rxTime, logTrunc)

	if h.count == h.maxRecords {
		h.wrapLocked()
	}

	h.records[h.count] = rec
	h.contentIndex[contentKey(rec.From, rec.To, rec.PayloadBytes())] = struct{}{}
	h.count++

	h.rememberSeenID(rec.ID)

	h.sinceSave++
	if h.saver != nil && h.sinceSave >= h.saveEveryN {
		h.flush()
	}
}

// wrapLocked resets count to 0 and zeroes every client cursor, accepting
// duplicate replays as the cost of bounded storage (spec.md §4.1, §4.4).
func (h *History) wrapLocked() {
	h.count = 0
	for k := range h.cursors {
		h.cursors[k] = 0
	}
	h.contentIndex = make(map[string]struct{})
}

func (h *History) rememberSeenID(id uint32) {
	h.seenIDs[id] = struct{}{}
	if id > h.maxSeenID {
		h.maxSeenID = id
	}
	if len(h.seenIDs) <= seenIDsBound {
		return
	}

	// Prune: retain the numerically largest 25% (IDs trend upward in
	// time), then unconditionally re-add the maximum observed ID
	// (spec.md §4.1).
	ids := make([]uint32, 0, len(h.seenIDs))
	for v := range h.seenIDs {
		ids = append(ids, v)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	keep := len(ids) / 4
	h.seenIDs = make(map[uint32]struct{}, keep+1)
	for _, v := range ids[len(ids)-keep:] {
		h.seenIDs[v] = struct{}{}
	}
	h.seenIDs[h.maxSeenID] = struct{}{}
}

// SeenIDCacheSize exposes the current size of the non-authoritative
// seen_ids cache, primarily for tests and diagnostics.
func (h *History) SeenIDCacheSize() int { return len(h.seenIDs) }

func qualifies(rec *PacketRecord, dest transport.NodeID, sinceTime uint32) bool {
	// A record stamped 0 was received while the clock was unsynchronized;
	// it counts as meeting any time floor.
	if rec.Time != 0 && rec.Time <= sinceTime {
		return false
	}
	if rec.From == dest {
		return false
	}
	return rec.To == dest || rec.To == transport.Broadcast
}

// MessagesFor returns, in storage order starting at cursor(dest), every
// record addressed to dest (or broadcast) newer than sinceTime and not
// originated by dest itself (spec.md §4.1, invariant 5).
func (h *History) MessagesFor(dest transport.NodeID, sinceTime uint32) []PacketRecord {
	start := h.Cursor(dest)
	var out []PacketRecord
	for i := start; i < h.count; i++ {
		rec := &h.records[i]
		if qualifies(rec, dest, sinceTime) {
			out = append(out, *rec)
		}
	}
	return out
}

// MessagesForIndexed is like MessagesFor but also returns each record's
// ring index, which the replay state machine needs to advance the
// cursor precisely to i+1 after a successful send (spec.md §4.4).
func (h *History) MessagesForIndexed(dest transport.NodeID, sinceTime uint32) []IndexedRecord {
	start := h.Cursor(dest)
	var out []IndexedRecord
	for i := start; i < h.count; i++ {
		rec := &h.records[i]
		if qualifies(rec, dest, sinceTime) {
			out = append(out, IndexedRecord{Index: i, Record: *rec})
		}
	}
	return out
}

// IndexedRecord pairs a stored record with its ring index.
type IndexedRecord struct {
	Index  uint32
	Record PacketRecord
}

// NextForPhone scans forward from fromIndex for the next record
// addressed to self or broadcast, for the host UI's independent
// for_phone delivery cursor (spec.md §4.4, §9 "for_phone" decision: an
// explicit, ring-resettable cursor owned by the caller, not History).
func (h *History) NextForPhone(self transport.NodeID, fromIndex uint32) (PacketRecord, uint32, bool) {
	for i := fromIndex; i < h.count; i++ {
		rec := &h.records[i]
		if qualifies(rec, self, 0) {
			return *rec, i + 1, true
		}
	}
	return PacketRecord{}, fromIndex, false
}

// NumAvailable counts, without materializing them, the records MessagesFor
// would return.
func (h *History) NumAvailable(dest transport.NodeID, sinceTime uint32) uint32 {
	start := h.Cursor(dest)
	var n uint32
	for i := start; i < h.count; i++ {
		if qualifies(&h.records[i], dest, sinceTime) {
			n++
		}
	}
	return n
}

// UpdateCursor sets dest's replay cursor, rejecting an index beyond the
// current record count (spec.md §4.1).
func (h *History) UpdateCursor(dest transport.NodeID, index uint32) error {
	if index > h.count {
		return ErrInvalidCursor
	}
	h.cursors[dest] = index
	h.maybeFlushOnCursorChange()
	return nil
}

// Cursor returns dest's replay cursor, or 0 if it has never requested
// history.
func (h *History) Cursor(dest transport.NodeID) uint32 {
	return h.cursors[dest]
}

// ResetCursor zeroes dest's cursor (the "SF reset" command, spec.md §4.4).
// Returns false if dest had no cursor to reset (used to distinguish the
// "nothing to reset" confirmation text).
func (h *History) ResetCursor(dest transport.NodeID) bool {
	_, existed := h.cursors[dest]
	h.cursors[dest] = 0
	h.maybeFlushOnCursorChange()
	return existed
}

func (h *History) maybeFlushOnCursorChange() {
	if h.saver != nil {
		h.flush()
	}
}

func (h *History) flush() {
	h.sinceSave = 0
	_ = h.saver.Save(h.Prefix(), h.CursorsSnapshot())
}

// Prefix returns the populated ring prefix [0, count) for serialization
// (spec.md §9: "an explicit serializer on the History that exposes a
// borrow of its storage prefix" instead of friend-class field access).
func (h *History) Prefix() []PacketRecord {
	return h.records[:h.count]
}

// CursorsSnapshot returns a copy of the cursor map for serialization.
func (h *History) CursorsSnapshot() map[transport.NodeID]uint32 {
	out := make(map[transport.NodeID]uint32, len(h.cursors))
	for k, v := range h.cursors {
		out[k] = v
	}
	return out
}

// Clear empties the ring, the seen-ID cache, the content index and every
// cursor (spec.md §4.1).
func (h *History) Clear() {
	h.count = 0
	h.contentIndex = make(map[string]struct{})
	h.seenIDs = make(map[uint32]struct{})
	h.maxSeenID = 0
	h.cursors = make(map[transport.NodeID]uint32)
}

// LoadPrefix replaces the ring contents and rebuilds the derived indexes
// from a persisted prefix (spec.md §4.2, Persistence.load). cursors with
// an index beyond len(prefix) are dropped by the caller (Persistence),
// not here — History.LoadPrefix trusts its input.
func (h *History) LoadPrefix(prefix []PacketRecord, cursors map[transport.NodeID]uint32) {
	h.count = uint32(len(prefix))
	copy(h.records, prefix)
	h.contentIndex = make(map[string]struct{}, len(prefix))
	h.seenIDs = make(map[uint32]struct{}, len(prefix))
	h.maxSeenID = 0
	for i := range prefix {
		rec := &prefix[i]
		h.contentIndex[contentKey(rec.From, rec.To, rec.PayloadBytes())] = struct{}{}
		h.seenIDs[rec.ID] = struct{}{}
		if rec.ID > h.maxSeenID {
			h.maxSeenID = rec.ID
		}
	}
	h.cursors = make(map[transport.NodeID]uint32, len(cursors))
	for k, v := range cursors {
		h.cursors[k] = v
	}
}
