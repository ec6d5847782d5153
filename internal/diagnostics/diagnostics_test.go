package diagnostics

import (
	"testing"

	"github.com/skywave-mesh/storeforward-node/internal/messenger"
	"github.com/skywave-mesh/storeforward-node/internal/transport"
)

type fakeSource struct {
	self      transport.NodeID
	stats     messenger.Stats
	latencies []float64
}

func (f *fakeSource) Self() transport.NodeID        { return f.self }
func (f *fakeSource) StatsSnapshot() messenger.Stats { return f.stats }
func (f *fakeSource) DrainReplayLatenciesMs() []float64 {
	out := f.latencies
	f.latencies = nil
	return out
}

func TestBuildSnapshotComputesPercentilesFromLatencies(t *testing.T) {
	src := &fakeSource{
		self:      0x42,
		stats:     messenger.Stats{MessagesTotal: 10, MessagesSaved: 10, MessagesMax: 100, Requests: 3, RequestsHistory: 2},
		latencies: []float64{100, 200, 300, 400, 500},
	}

	e := &Exporter{}
	snap := e.buildSnapshot(src)

	if snap.NodeID != 0x42 {
		t.Fatalf("expected node id 0x42, got %x", snap.NodeID)
	}
	if snap.ReplaySamples != 5 {
		t.Fatalf("expected 5 samples recorded, got %d", snap.ReplaySamples)
	}
	if snap.ReplayP50Ms <= 0 || snap.ReplayP95Ms <= 0 {
		t.Fatalf("expected non-zero percentiles, got p50=%v p95=%v", snap.ReplayP50Ms, snap.ReplayP95Ms)
	}
	if snap.ID == "" {
		t.Fatal("expected a generated snapshot id")
	}
	if len(src.latencies) != 0 {
		t.Fatal("expected DrainReplayLatenciesMs to be called and buffer cleared")
	}
}

func TestBuildSnapshotHandlesNoLatencySamples(t *testing.T) {
	src := &fakeSource{self: 1, stats: messenger.Stats{}}
	e := &Exporter{}

	snap := e.buildSnapshot(src)
	if snap.ReplaySamples != 0 || snap.ReplayP50Ms != 0 || snap.ReplayP95Ms != 0 {
		t.Fatalf("expected zero-valued percentiles with no samples, got %+v", snap)
	}
}
