package history

import (
	"testing"

	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

func textPacket(from, to transport.NodeID, id uint32, payload string) *transport.Packet {
	return &transport.Packet{
		From: from,
		To:   to,
		ID:   id,
		Decoded: &transport.Decoded{
			PortNum:      transport.PortNumTextMessage,
			PayloadBytes: []byte(payload),
		},
	}
}

func TestShouldStoreRejectsCommandsAndEmptyPayloads(t *testing.T) {
	h := New(10, nil, nil)

	tests := []struct {
		name string
		p    *transport.Packet
		want bool
	}{
		{"plain text", textPacket(1, 2, 1, "hello"), true},
		{"bare SF", textPacket(1, 2, 2, "SF"), false},
		{"SF with args", textPacket(1, 2, 3, "SF reset"), false},
		{"empty payload", textPacket(1, 2, 4, ""), false},
		{"not SF prefix", textPacket(1, 2, 5, "SFoo"), true},
		{"encrypted packet", &transport.Packet{From: 1, To: 2, ID: 6, EncryptedBytes: []byte{1, 2, 3}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.ShouldStore(tt.p); got != tt.want {
				t.Errorf("ShouldStore(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestIsDuplicateByContentNotID(t *testing.T) {
	h := New(10, nil, nil)
	h.Record(textPacket(1, 2, 100, "same payload"), 1000)

	dup := textPacket(1, 2, 999, "same payload")
	if !h.IsDuplicate(dup) {
		t.Fatal("expected content match to be flagged a duplicate despite differing packet ID")
	}

	distinct := textPacket(1, 2, 101, "different payload")
	if h.IsDuplicate(distinct) {
		t.Fatal("did not expect distinct payload to be flagged a duplicate")
	}
}

func TestRecordAndMessagesForFiltersSelfAndTime(t *testing.T) {
	h := New(10, nil, nil)

	h.Record(textPacket(1, 2, 1, "to two"), 100)
	h.Record(textPacket(2, 1, 2, "from two to one"), 200)
	h.Record(textPacket(3, transport.Broadcast, 3, "broadcast"), 300)

	msgs := h.MessagesFor(2, 0)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages for node 2, got %d", len(msgs))
	}
	if msgs[0].PayloadSize == 0 || string(msgs[0].PayloadBytes()) != "to two" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if string(msgs[1].PayloadBytes()) != "broadcast" {
		t.Errorf("unexpected second message: %+v", msgs[1])
	}

	sinceFiltered := h.MessagesFor(2, 200)
	if len(sinceFiltered) != 1 {
		t.Fatalf("expected 1 message newer than time 200, got %d", len(sinceFiltered))
	}
}

func TestCursorAdvancesAndRejectsOutOfRange(t *testing.T) {
	h := New(10, nil, nil)
	h.Record(textPacket(1, 2, 1, "a"), 10)
	h.Record(textPacket(1, 2, 2, "b"), 20)

	if err := h.UpdateCursor(2, 1); err != nil {
		t.Fatalf("unexpected error advancing cursor: %v", err)
	}
	if got := h.Cursor(2); got != 1 {
		t.Fatalf("expected cursor 1, got %d", got)
	}

	if err := h.UpdateCursor(2, 5); err != ErrInvalidCursor {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestResetCursorReportsWhetherOneExisted(t *testing.T) {
	h := New(10, nil, nil)
	if existed := h.ResetCursor(9); existed {
		t.Fatal("did not expect a cursor to exist for a node that never requested history")
	}

	_ = h.UpdateCursor(9, 0)
	if existed := h.ResetCursor(9); !existed {
		t.Fatal("expected a previously-set cursor to report as existing")
	}
}

func TestRingWrapResetsCursorsAndAcceptsReplays(t *testing.T) {
	h := New(2, nil, nil)
	h.Record(textPacket(1, 2, 1, "first"), 10)
	h.Record(textPacket(1, 2, 2, "second"), 20)

	if err := h.UpdateCursor(2, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Wraps: count was at maxRecords, so this Record resets the ring and
	// every cursor to 0 (spec.md §4.1).
	h.Record(textPacket(1, 2, 3, "third"), 30)

	if got := h.Count(); got != 1 {
		t.Fatalf("expected count 1 after wrap, got %d", got)
	}
	if got := h.Cursor(2); got != 0 {
		t.Fatalf("expected cursor reset to 0 after wrap, got %d", got)
	}

	// The now-evicted "first"/"second" content becomes eligible again.
	dup := textPacket(1, 2, 1, "first")
	if h.IsDuplicate(dup) {
		t.Fatal("did not expect evicted content to still be flagged a duplicate")
	}
}

func TestSeenIDPruningRetainsMaxAndTopQuartile(t *testing.T) {
	h := New(5000, nil, nil)
	for i := uint32(1); i <= seenIDsBound+10; i++ {
		h.Record(textPacket(1, 2, i, "payload"), i)
	}

	if h.maxSeenID != seenIDsBound+10 {
		t.Fatalf("expected maxSeenID to track the highest ID seen, got %d", h.maxSeenID)
	}
	if size := h.SeenIDCacheSize(); size == 0 || size > seenIDsBound {
		t.Fatalf("expected pruned cache within bound, got size %d", size)
	}
	if _, ok := h.seenIDs[h.maxSeenID]; !ok {
		t.Fatal("expected the maximum observed ID to survive pruning")
	}
}

func TestPayloadTruncationInvokesLogger(t *testing.T) {
	var gotID uint32
	var gotSize int
	logger := truncateLoggerFunc(func(id uint32, got, max int) {
		gotID = id
		gotSize = got
	})

	h := New(10, nil, logger)
	oversized := make([]byte, MaxPayloadBytes+50)
	h.Record(textPacket(1, 2, 42, string(oversized)), 10)

	if gotID != 42 || gotSize != MaxPayloadBytes+50 {
		t.Fatalf("expected truncation callback with id=42 size=%d, got id=%d size=%d", MaxPayloadBytes+50, gotID, gotSize)
	}

	msgs := h.MessagesFor(2, 0)
	if len(msgs) != 1 || msgs[0].PayloadSize != MaxPayloadBytes {
		t.Fatalf("expected stored payload clamped to %d bytes, got %+v", MaxPayloadBytes, msgs)
	}
}

type truncateLoggerFunc func(id uint32, got, max int)

func (f truncateLoggerFunc) LogTruncated(id uint32, got, max int) { f(id, got, max) }

type recordingSaver struct {
	calls int
}

func (s *recordingSaver) Save(prefix []PacketRecord, cursors map[transport.NodeID]uint32) error {
	s.calls++
	return nil
}

func TestSaverFlushesEveryTenRecordsAndOnCursorChange(t *testing.T) {
	saver := &recordingSaver{}
	h := New(100, saver, nil)

	for i := uint32(1); i <= 10; i++ {
		h.Record(textPacket(1, 2, i, "x"), i)
	}
	if saver.calls != 1 {
		t.Fatalf("expected exactly 1 flush after 10 records, got %d", saver.calls)
	}

	_ = h.UpdateCursor(2, 3)
	if saver.calls != 2 {
		t.Fatalf("expected a flush on cursor update, got %d calls", saver.calls)
	}
}

func TestLoadPrefixRebuildsDerivedIndexes(t *testing.T) {
	h := New(10, nil, nil)
	h.Record(textPacket(1, 2, 1, "alpha"), 10)
	h.Record(textPacket(1, 2, 2, "beta"), 20)

	prefix := append([]PacketRecord(nil), h.Prefix()...)
	cursors := h.CursorsSnapshot()

	fresh := New(10, nil, nil)
	fresh.LoadPrefix(prefix, cursors)

	if fresh.Count() != 2 {
		t.Fatalf("expected 2 loaded records, got %d", fresh.Count())
	}
	again := textPacket(1, 2, 999, "alpha")
	if !fresh.IsDuplicate(again) {
		t.Fatal("expected content index to be rebuilt from loaded prefix")
	}
}

func TestClearEmptiesEverything(t *testing.T) {
	h := New(10, nil, nil)
	h.Record(textPacket(1, 2, 1, "alpha"), 10)
	_ = h.UpdateCursor(2, 1)

	h.Clear()

	if h.Count() != 0 {
		t.Fatalf("expected count 0 after Clear, got %d", h.Count())
	}
	if h.Cursor(2) != 0 {
		t.Fatalf("expected cursor reset after Clear, got %d", h.Cursor(2))
	}
	if h.IsDuplicate(textPacket(1, 2, 1, "alpha")) {
		t.Fatal("did not expect duplicate detection to survive Clear")
	}
}
