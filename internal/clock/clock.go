// Package clock implements the Time provider seam (spec.md §6): a
// monotonic millisecond clock for scheduling/timeouts and a Unix-time
// source that may be unsynchronized.
package clock

import "time"

// Source is the seam the rest of the module depends on instead of calling
// time.Now directly — spec.md §9 calls out the original's global time
// singleton as exactly the kind of thing that should become an explicit,
// construction-time dependency.
type Source interface {
	// NowMS returns a monotonically increasing millisecond counter. Only
	// differences between two calls are meaningful.
	NowMS() uint64
	// UnixTime returns seconds since the Unix epoch, or 0 if the node's
	// clock is not yet synchronized with the mesh. Callers must treat 0
	// as "the time floor is already satisfied" per spec.md §6.
	UnixTime() uint32
}

// System is the real clock, backed by the Go runtime.
type System struct {
	start time.Time
}

// NewSystem returns a Source backed by the wall clock.
func NewSystem() *System {
	return &System{start: time.Now()}
}

func (s *System) NowMS() uint64 {
	return uint64(time.Since(s.start).Milliseconds())
}

func (s *System) UnixTime() uint32 {
	return uint32(time.Now().Unix())
}

// Fake is a controllable clock for tests.
type Fake struct {
	ms   uint64
	unix uint32
}

// NewFake returns a Source whose value only advances when Advance is
// called, for deterministic tests of timeout/backoff logic.
func NewFake(startMS uint64, startUnix uint32) *Fake {
	return &Fake{ms: startMS, unix: startUnix}
}

func (f *Fake) NowMS() uint64    { return f.ms }
func (f *Fake) UnixTime() uint32 { return f.unix }

// Advance moves both clocks forward.
func (f *Fake) Advance(d time.Duration) {
	f.ms += uint64(d.Milliseconds())
	f.unix += uint32(d.Seconds())
}

// SetUnixTime forces the Unix-time reading, e.g. to simulate an
// unsynchronized node (0) or a time jump.
func (f *Fake) SetUnixTime(u uint32) {
	f.unix = u
}
