// Package vmi defines the introspection primitives the engine consumes:
// pausing the guest, reading guest memory by virtual or physical address,
// installing SLAT (second-level) memory traps per frame and per access
// right, single-stepping a vCPU, and a stream of guest events. Concrete
// hypervisor bindings live outside this module and register themselves as
// backends; FakeVM (fake.go) is the in-memory implementation used by tests
// and by embedders that bring their own event source.
package vmi

import (
	"fmt"
	"strings"

	"github.com/ja7ad/vmidump/pkg/types"
)

// KernelPID is the PID under which kernel virtual addresses are read.
const KernelPID uint32 = 0

// Rights is a set of access rights, used both for the rights a trap
// revokes and for the access kind a memory event reports.
type Rights uint8

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExec
)

func (r Rights) String() string {
	var sb strings.Builder
	for _, p := range []struct {
		bit Rights
		c   byte
	}{{RightRead, 'r'}, {RightWrite, 'w'}, {RightExec, 'x'}} {
		if r&p.bit != 0 {
			sb.WriteByte(p.c)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// Event is one guest-side occurrence delivered to the detector.
type Event interface{ event() }

// MemEvent reports a SLAT trap violation. The offending vCPU is paused
// until the detector resumes or single-steps it.
type MemEvent struct {
	VCPU   int
	PID    uint32
	GVA    types.Addr
	GPA    uint64
	RIP    types.Addr
	Access Rights
}

// ProcCreateEvent reports creation of a guest process.
type ProcCreateEvent struct {
	PID        uint32
	ParentPID  uint32
	Descriptor types.Addr // kernel VA of the process descriptor
}

// ProcExitEvent reports exit of a guest process.
type ProcExitEvent struct {
	PID uint32
}

func (MemEvent) event()        {}
func (ProcCreateEvent) event() {}
func (ProcExitEvent) event()   {}

// Introspector is the primitive set consumed by the engine. Reads never
// mutate guest state. Implementations deliver events serialized per vCPU.
type Introspector interface {
	// Pause stops all guest vCPUs. Resume restarts them.
	Pause() error
	Resume() error

	// ReadVirtual copies guest memory at (addr, pid) into buf, returning
	// the number of bytes read. KernelPID reads kernel virtual addresses.
	// A short read returns the readable prefix length and an error.
	ReadVirtual(pid uint32, addr types.Addr, buf []byte) (int, error)

	// ReadPhysical copies guest-physical memory into buf.
	ReadPhysical(gpa uint64, buf []byte) (int, error)

	// TrapSet revokes the given rights on the frame containing gpa, so a
	// guest access using them delivers a MemEvent. TrapClear restores
	// them. Both are per-frame, per-bit.
	TrapSet(gpa uint64, revoke Rights) error
	TrapClear(gpa uint64, restore Rights) error

	// SingleStep executes exactly one instruction on the vCPU and leaves
	// it paused again.
	SingleStep(vcpu int) error

	// Events returns the event stream. The channel closes when the
	// hypervisor link is lost or the introspector is closed.
	Events() <-chan Event

	Close() error
}

// Backend connects to a named VM and returns a live introspector.
type Backend func(vm string) (Introspector, error)

var backend Backend

// RegisterBackend installs the hypervisor binding used by Connect. At most
// one backend may be registered per process.
func RegisterBackend(b Backend) {
	if backend != nil {
		panic("vmi: backend already registered")
	}
	backend = b
}

// Connect opens an introspection session to the named VM via the
// registered backend.
func Connect(vm string) (Introspector, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: no hypervisor backend registered", ErrNotConnected)
	}
	return backend(vm)
}
