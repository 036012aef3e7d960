package paging

import (
	"github.com/ja7ad/vmidump/pkg/classify"
	"github.com/ja7ad/vmidump/pkg/types"
	"github.com/ja7ad/vmidump/pkg/vmi"
)

// State is the write-then-execute state of one page record.
type State uint8

const (
	Clean State = iota
	Written
	PendingExec
	Dumped
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Written:
		return "written"
	case PendingExec:
		return "pending-exec"
	case Dumped:
		return "dumped"
	default:
		return "invalid"
	}
}

// Record is the per-(process, virtual page) bookkeeping. At most one
// record exists per key; the frame field equals what a fresh walk of the
// guest tables returned at the last fault.
type Record struct {
	PID        uint32
	VPN        uint64
	Frame      uint64 // physical frame base currently backing the page
	Category   classify.Category
	State      State
	Generation uint64 // bumped on every observed write
}

// Fault reconciles the record for the page containing gva against a fresh
// page walk and bumps the generation on write kinds. The updated record is
// returned by value. A page the walk cannot resolve returns the walk's
// error (ErrNotMapped for an absent entry, ErrWalkFailed for an unreadable
// one) and leaves record state untouched (demand paging is not a write).
func (m *Mirror) Fault(root uint64, pid uint32, gva types.Addr, access vmi.Rights, cat classify.Category) (Record, error) {
	mapping, err := m.Resolve(root, gva)
	if err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{pid: pid, vpn: gva.VPN()}
	rec, ok := m.records[key]
	if !ok {
		rec = &Record{PID: pid, VPN: key.vpn, State: Clean}
		m.records[key] = rec
	}
	if rec.Frame != 0 && rec.Frame != mapping.Frame() {
		m.log.Debug("page remapped", "pid", pid, "gva", gva, "old", rec.Frame, "new", mapping.Frame())
	}
	rec.Frame = mapping.Frame()
	rec.Category = cat
	if access&vmi.RightWrite != 0 {
		rec.Generation++
	}
	return *rec, nil
}

// Get returns a copy of the record for (pid, vpn).
func (m *Mirror) Get(pid uint32, vpn uint64) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey{pid: pid, vpn: vpn}]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Update mutates the record for (pid, vpn) under the mirror lock. Returns
// false when no record exists.
func (m *Mirror) Update(pid uint32, vpn uint64, fn func(*Record)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey{pid: pid, vpn: vpn}]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// MarkDumped finishes a dump cycle: PendingExec becomes Dumped and the
// page's frame is returned so the caller can drop its execute trap. A page
// rewritten while its dump was in flight stays Written.
func (m *Mirror) MarkDumped(pid uint32, vpn uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey{pid: pid, vpn: vpn}]
	if !ok || rec.State != PendingExec {
		return 0, false
	}
	rec.State = Dumped
	return rec.Frame, true
}

// Drop releases every record of an exited process and returns the
// distinct frames they were backed by, for trap teardown.
func (m *Mirror) Drop(pid uint32) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uint64]struct{})
	var frames []uint64
	for key, rec := range m.records {
		if key.pid != pid {
			continue
		}
		if _, dup := seen[rec.Frame]; !dup && rec.Frame != 0 {
			seen[rec.Frame] = struct{}{}
			frames = append(frames, rec.Frame)
		}
		delete(m.records, key)
	}
	return frames
}

// Records returns copies of all records held for pid, unordered.
func (m *Mirror) Records(pid uint32) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for key, rec := range m.records {
		if key.pid == pid {
			out = append(out, *rec)
		}
	}
	return out
}
