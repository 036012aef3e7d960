// Package stats keeps running counters for one monitoring run and derives
// the end-of-run summary: events observed by kind, dumps emitted, bytes
// captured, pages suppressed by the filter policy.
package stats

import (
	"sync"

	"github.com/ja7ad/vmidump/pkg/classify"
	"github.com/ja7ad/vmidump/pkg/types"
	"github.com/ja7ad/vmidump/pkg/vmi"
)

// Counters is a point-in-time copy of the run's counters.
type Counters struct {
	Reads  uint64
	Writes uint64
	Execs  uint64

	DemandPaging uint64 // faults serviced without a state change
	Suppressed   map[classify.Category]uint64

	Dumps         uint64
	Segments      uint64
	BytesCaptured types.Bytes
	Truncated     uint64 // segments shorter than their VAD size
}

// Averages is the per-dump breakdown for the summary block.
type Averages struct {
	SegmentsPerDump float64
	BytesPerDump    float64
}

// Accumulator collects counters. Safe for use from the event loop and the
// dump writer concurrently.
type Accumulator struct {
	mu sync.Mutex
	c  Counters
}

// New creates an empty accumulator.
func New() *Accumulator {
	return &Accumulator{c: Counters{Suppressed: make(map[classify.Category]uint64)}}
}

// Event counts one memory event by its access kind.
func (a *Accumulator) Event(access vmi.Rights) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if access&vmi.RightRead != 0 {
		a.c.Reads++
	}
	if access&vmi.RightWrite != 0 {
		a.c.Writes++
	}
	if access&vmi.RightExec != 0 {
		a.c.Execs++
	}
}

// DemandPaging counts a fault on a not-yet-present page.
func (a *Accumulator) DemandPaging() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.c.DemandPaging++
}

// Suppress counts a would-be trigger filtered out by category policy.
func (a *Accumulator) Suppress(cat classify.Category) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.c.Suppressed[cat]++
}

// Dump counts one persisted job and its segments.
func (a *Accumulator) Dump(segments int, bytes uint64, truncated int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.c.Dumps++
	a.c.Segments += uint64(segments)
	a.c.BytesCaptured += types.Bytes(bytes)
	a.c.Truncated += uint64(truncated)
}

// Snapshot returns a copy of the counters.
func (a *Accumulator) Snapshot() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.c
	out.Suppressed = make(map[classify.Category]uint64, len(a.c.Suppressed))
	for k, v := range a.c.Suppressed {
		out.Suppressed[k] = v
	}
	return out
}

// Averages derives the per-dump means over all emitted dumps.
func (a *Accumulator) Averages() Averages {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.c.Dumps == 0 {
		return Averages{}
	}
	n := float64(a.c.Dumps)
	return Averages{
		SegmentsPerDump: float64(a.c.Segments) / n,
		BytesPerDump:    float64(a.c.BytesCaptured) / n,
	}
}
