package vmi

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ja7ad/vmidump/pkg/types"
)

// x86-64 page-table entry bits used by the fake guest.
const (
	ptePresent = 1 << 0
	pteWrite   = 1 << 1
	pteUser    = 1 << 2
	pteLarge   = 1 << 7
	pteNX      = 1 << 63

	pteAddrMask = 0x000ffffffffff000
)

// FakeVM is an in-memory guest: sparse physical frames, real 4-level page
// tables built per address space, per-frame SLAT trap state, and an
// injectable event stream. It backs the tests of every package that
// touches guest memory and lets embedders run the engine without a
// hypervisor.
//
// The fake never executes anything; tests mutate memory with WriteVirtual
// and signal accesses with Access, which emits a MemEvent when the touched
// frame has a matching trap armed.
type FakeVM struct {
	mu     sync.Mutex
	frames map[uint64][]byte // frame base -> 4096 bytes
	roots  map[uint32]uint64 // pid -> top-level table root (physical)
	traps  map[uint64]Rights // frame base -> revoked rights
	events chan Event
	steps  map[int]int
	next   uint64
	paused bool
	closed bool
}

// NewFakeVM returns an empty fake guest.
func NewFakeVM() *FakeVM {
	return &FakeVM{
		frames: make(map[uint64][]byte),
		roots:  make(map[uint32]uint64),
		traps:  make(map[uint64]Rights),
		events: make(chan Event, 256),
		steps:  make(map[int]int),
		next:   0x1000, // frame 0 stays unmapped
	}
}

// AllocFrame reserves a fresh physical frame and returns its base address.
func (f *FakeVM) AllocFrame() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocLocked()
}

func (f *FakeVM) allocLocked() uint64 {
	gpa := f.next
	f.next += types.PageSize
	f.frames[gpa] = make([]byte, types.PageSize)
	return gpa
}

// CreateAddressSpace allocates a top-level page table for pid and returns
// its physical root. Use KernelPID for the kernel address space.
func (f *FakeVM) CreateAddressSpace(pid uint32) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	root := f.allocLocked()
	f.roots[pid] = root
	return root
}

// TableRoot returns the page-table root previously created for pid.
func (f *FakeVM) TableRoot(pid uint32) uint64 { return f.roots[pid] }

// MapPage installs a 4 KiB mapping gva -> gpa in pid's address space,
// allocating intermediate tables as needed.
func (f *FakeVM) MapPage(pid uint32, gva types.Addr, gpa uint64, writable, executable bool) error {
	return f.mapEntry(pid, gva, gpa, 3, writable, executable)
}

// MapLarge installs a large-page mapping. level 2 maps 2 MiB, level 1 maps
// 1 GiB; gva and gpa must be aligned to the page size.
func (f *FakeVM) MapLarge(pid uint32, gva types.Addr, gpa uint64, level int, writable, executable bool) error {
	if level != 1 && level != 2 {
		return fmt.Errorf("fake: large page at level %d", level)
	}
	return f.mapEntry(pid, gva, gpa, level, writable, executable)
}

func (f *FakeVM) mapEntry(pid uint32, gva types.Addr, gpa uint64, leafLevel int, writable, executable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	root, ok := f.roots[pid]
	if !ok {
		return fmt.Errorf("fake: no address space for pid %d", pid)
	}
	table := root
	for level := 0; level < leafLevel; level++ {
		idx := (uint64(gva) >> (39 - 9*level)) & 0x1ff
		entry := f.readEntry(table, idx)
		if entry&ptePresent == 0 {
			sub := f.allocLocked()
			entry = sub | ptePresent | pteWrite | pteUser
			f.writeEntry(table, idx, entry)
		}
		table = entry & pteAddrMask
	}
	idx := (uint64(gva) >> (39 - 9*leafLevel)) & 0x1ff
	leaf := (gpa & pteAddrMask) | ptePresent | pteUser
	if writable {
		leaf |= pteWrite
	}
	if !executable {
		leaf |= pteNX
	}
	if leafLevel != 3 {
		leaf |= pteLarge
	}
	f.writeEntry(table, idx, leaf)
	return nil
}

// Unmap clears the leaf entry for gva, leaving intermediate tables alone.
func (f *FakeVM) Unmap(pid uint32, gva types.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	root, ok := f.roots[pid]
	if !ok {
		return
	}
	table := root
	for level := 0; level < 3; level++ {
		idx := (uint64(gva) >> (39 - 9*level)) & 0x1ff
		entry := f.readEntry(table, idx)
		if entry&ptePresent == 0 {
			return
		}
		if entry&pteLarge != 0 {
			f.writeEntry(table, idx, 0)
			return
		}
		table = entry & pteAddrMask
	}
	f.writeEntry(table, (uint64(gva)>>12)&0x1ff, 0)
}

func (f *FakeVM) readEntry(table uint64, idx uint64) uint64 {
	frame, ok := f.frames[table]
	if !ok {
		return 0
	}
	return binary.LittleEndian.Uint64(frame[idx*8:])
}

func (f *FakeVM) writeEntry(table uint64, idx uint64, v uint64) {
	if frame, ok := f.frames[table]; ok {
		binary.LittleEndian.PutUint64(frame[idx*8:], v)
	}
}

// translate walks pid's tables. Returns the full physical address for gva.
func (f *FakeVM) translate(pid uint32, gva types.Addr) (uint64, bool) {
	root, ok := f.roots[pid]
	if !ok {
		return 0, false
	}
	table := root
	for level := 0; level < 4; level++ {
		shift := 39 - 9*level
		idx := (uint64(gva) >> shift) & 0x1ff
		entry := f.readEntry(table, idx)
		if entry&ptePresent == 0 {
			return 0, false
		}
		if level == 3 || entry&pteLarge != 0 {
			size := uint64(1) << shift
			if level == 3 {
				size = types.PageSize
			}
			return entry&pteAddrMask + uint64(gva)&(size-1), true
		}
		table = entry & pteAddrMask
	}
	return 0, false
}

// WriteVirtual stores bytes into pid's virtual memory (test setup only;
// the real primitive set is read-only).
func (f *FakeVM) WriteVirtual(pid uint32, addr types.Addr, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(data) > 0 {
		gpa, ok := f.translate(pid, addr)
		if !ok {
			return fmt.Errorf("fake: write to unmapped %s", addr)
		}
		frame, ok := f.frames[gpa&^uint64(types.PageSize-1)]
		if !ok {
			return fmt.Errorf("fake: no frame behind %s", addr)
		}
		off := gpa & (types.PageSize - 1)
		n := copy(frame[off:], data)
		data = data[n:]
		addr += types.Addr(n)
	}
	return nil
}

// --- Introspector ---

func (f *FakeVM) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	return nil
}

func (f *FakeVM) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	return nil
}

func (f *FakeVM) ReadVirtual(pid uint32, addr types.Addr, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for total < len(buf) {
		gpa, ok := f.translate(pid, addr)
		if !ok {
			return total, fmt.Errorf("%w: %s pid %d", ErrNoMapping, addr, pid)
		}
		frame, ok := f.frames[gpa&^uint64(types.PageSize-1)]
		if !ok {
			return total, fmt.Errorf("%w: gpa %#x", ErrNoMapping, gpa)
		}
		off := gpa & (types.PageSize - 1)
		n := copy(buf[total:], frame[off:])
		total += n
		addr += types.Addr(n)
	}
	return total, nil
}

func (f *FakeVM) ReadPhysical(gpa uint64, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for total < len(buf) {
		frame, ok := f.frames[gpa&^uint64(types.PageSize-1)]
		if !ok {
			return total, fmt.Errorf("%w: gpa %#x", ErrNoMapping, gpa)
		}
		off := gpa & (types.PageSize - 1)
		n := copy(buf[total:], frame[off:])
		total += n
		gpa += uint64(n)
	}
	return total, nil
}

func (f *FakeVM) TrapSet(gpa uint64, revoke Rights) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := gpa &^ uint64(types.PageSize-1)
	if _, ok := f.frames[base]; !ok {
		return fmt.Errorf("%w: trap on gpa %#x", ErrNoMapping, gpa)
	}
	f.traps[base] |= revoke
	return nil
}

func (f *FakeVM) TrapClear(gpa uint64, restore Rights) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := gpa &^ uint64(types.PageSize-1)
	f.traps[base] &^= restore
	if f.traps[base] == 0 {
		delete(f.traps, base)
	}
	return nil
}

// Armed returns the rights currently revoked on the frame containing gpa.
func (f *FakeVM) Armed(gpa uint64) Rights {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.traps[gpa&^uint64(types.PageSize-1)]
}

func (f *FakeVM) SingleStep(vcpu int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[vcpu]++
	return nil
}

// StepCount reports how many times vcpu was single-stepped.
func (f *FakeVM) StepCount(vcpu int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.steps[vcpu]
}

func (f *FakeVM) Events() <-chan Event { return f.events }

func (f *FakeVM) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	close(f.events)
	return nil
}

// --- event injection ---

// Access simulates a guest access at gva. If the backing frame has a trap
// armed for any of the access rights, a MemEvent is emitted and true is
// returned; otherwise the access is silent, as it would be on hardware.
func (f *FakeVM) Access(vcpu int, pid uint32, gva types.Addr, access Rights, rip types.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	gpa, ok := f.translate(pid, gva)
	if !ok {
		return false
	}
	if f.traps[gpa&^uint64(types.PageSize-1)]&access == 0 {
		return false
	}
	f.events <- MemEvent{VCPU: vcpu, PID: pid, GVA: gva, GPA: gpa, RIP: rip, Access: access}
	return true
}

// EmitProcCreate injects a process-creation event.
func (f *FakeVM) EmitProcCreate(pid, parent uint32, descriptor types.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- ProcCreateEvent{PID: pid, ParentPID: parent, Descriptor: descriptor}
	}
}

// EmitProcExit injects a process-exit event.
func (f *FakeVM) EmitProcExit(pid uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- ProcExitEvent{PID: pid}
	}
}
