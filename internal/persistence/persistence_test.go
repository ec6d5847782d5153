package persistence

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/skywave-mesh/storeforward-node/internal/history"
	"github.com/skywave-mesh/storeforward-node/internal/store"
	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

func sampleRecord(id uint32, payload string) history.PacketRecord {
	rec := history.PacketRecord{
		Time:        1000 + id,
		From:        transport.NodeID(1),
		To:          transport.NodeID(2),
		ID:          id,
		Channel:     0,
		PayloadSize: uint16(len(payload)),
	}
	copy(rec.Payload[:], payload)
	return rec
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	p := New(store.NewLocal(), dir)

	prefix := []history.PacketRecord{sampleRecord(1, "hello"), sampleRecord(2, "world")}
	cursors := map[transport.NodeID]uint32{3: 1, 4: 2}

	if err := p.Save(prefix, cursors); err != nil {
		t.Fatalf("unexpected error saving: %v", err)
	}

	loadedPrefix, loadedCursors, err := p.Load()
	if err != nil {
		t.Fatalf("unexpected error loading: %v", err)
	}

	if len(loadedPrefix) != 2 {
		t.Fatalf("expected 2 records, got %d", len(loadedPrefix))
	}
	if string(loadedPrefix[0].PayloadBytes()) != "hello" || string(loadedPrefix[1].PayloadBytes()) != "world" {
		t.Fatalf("unexpected payloads: %+v", loadedPrefix)
	}
	if loadedCursors[3] != 1 || loadedCursors[4] != 2 {
		t.Fatalf("unexpected cursors: %+v", loadedCursors)
	}
}

func TestLoadWithNoFilesReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	p := New(store.NewLocal(), dir)

	prefix, cursors, err := p.Load()
	if err != nil {
		t.Fatalf("unexpected error on first-run load: %v", err)
	}
	if len(prefix) != 0 {
		t.Fatalf("expected empty prefix, got %d records", len(prefix))
	}
	if len(cursors) != 0 {
		t.Fatalf("expected empty cursor map, got %+v", cursors)
	}
}

func TestLoadDetectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	p := New(store.NewLocal(), dir)

	if err := os.WriteFile(dir+"/"+historyFileName, []byte{0xFF, 0xDE, 0xAD, 0xBE, 0xEF}, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := p.Load(); err != ErrCorrupt {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestOnDiskLayoutMatchesWireFormat(t *testing.T) {
	dir := t.TempDir()
	p := New(store.NewLocal(), dir)

	rec := sampleRecord(7, "hi")
	rec.To = transport.NodeID(0xAAAA)
	rec.From = transport.NodeID(0xBBBB)
	rec.ReplyID = 9
	rec.Emoji = true

	if err := p.Save([]history.PacketRecord{rec}, map[transport.NodeID]uint32{0xCCCC: 1}); err != nil {
		t.Fatal(err)
	}

	if !store.NewLocal().Exists(dir + "/sf") {
		t.Fatal("expected ring file at <dir>/sf")
	}
	if !store.NewLocal().Exists(dir + "/sf_users") {
		t.Fatal("expected cursor file at <dir>/sf_users")
	}

	raw, err := os.ReadFile(dir + "/sf")
	if err != nil {
		t.Fatal(err)
	}
	if raw[0] != 1 {
		t.Fatalf("expected leading version byte 1, got %d", raw[0])
	}
	if count := binary.LittleEndian.Uint32(raw[1:5]); count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
	body := raw[5:]
	if got := binary.LittleEndian.Uint32(body[4:8]); got != uint32(rec.To) {
		t.Fatalf("expected to field at offset 4, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(body[8:12]); got != uint32(rec.From) {
		t.Fatalf("expected from field at offset 8, got %d", got)
	}
	wantRecordLen := 4 + 4 + 4 + 4 + 1 + 4 + 1 + 2 + history.MaxPayloadBytes
	if len(body) != wantRecordLen {
		t.Fatalf("expected fixed record length %d, got %d", wantRecordLen, len(body))
	}

	cursorRaw, err := os.ReadFile(dir + "/sf_users")
	if err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(cursorRaw[0:4]) != 1 {
		t.Fatalf("expected entries_count 1, got %d", binary.LittleEndian.Uint32(cursorRaw[0:4]))
	}
	if len(cursorRaw) != 4+8 {
		t.Fatalf("expected one 8-byte entry after the count, got %d total bytes", len(cursorRaw))
	}
}

func TestLoadDropsCursorsBeyondLoadedPrefix(t *testing.T) {
	dir := t.TempDir()
	p := New(store.NewLocal(), dir)

	prefix := []history.PacketRecord{sampleRecord(1, "a")}
	cursors := map[transport.NodeID]uint32{5: 1, 6: 99}
	if err := p.Save(prefix, cursors); err != nil {
		t.Fatal(err)
	}

	_, loadedCursors, err := p.Load()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := loadedCursors[6]; ok {
		t.Fatal("expected out-of-range cursor to be dropped")
	}
	if loadedCursors[5] != 1 {
		t.Fatalf("expected in-range cursor to survive, got %+v", loadedCursors)
	}
}
