// Package vmitest builds synthetic guests on top of vmi.FakeVM: a kernel
// address space with a craftable active-process list, per-process page
// tables, and VAD trees laid out exactly as the test profile describes.
// It exists so every package can exercise its guest-facing paths against
// one consistent layout.
package vmitest

import (
	"encoding/binary"
	"testing"

	"github.com/ja7ad/vmidump/pkg/profile"
	"github.com/ja7ad/vmidump/pkg/types"
	"github.com/ja7ad/vmidump/pkg/vmi"
	"golang.org/x/text/encoding/unicode"
)

// ListHeadVA is where the builder places the active-process list head.
const ListHeadVA types.Addr = 0xffff800000001000

// Test-profile structure offsets. Compact layouts, not any real kernel's,
// but exercised through the same profile indirection production uses.
const (
	offProcPID   = 0x10
	offProcLinks = 0x18
	offProcDTB   = 0x28
	offProcVad   = 0x30
	offProcName  = 0x38

	offVadLeft  = 0x00
	offVadRight = 0x08
	offVadStart = 0x10
	offVadEnd   = 0x18
	offVadFlags = 0x20
	offVadCA    = 0x28

	offCAFileObject = 0x08
	offFOFileName   = 0x10
)

// Flag-word encoding used by BuildFlags and the test profile.
const (
	bitsVadTypeStart = 0
	bitsVadTypeEnd   = 2
	bitsPrivate      = 3
	bitsProtStart    = 4
	bitsProtEnd      = 8
)

// Profile returns the profile matching the builder's layouts.
func Profile() *profile.Profile {
	p := &profile.Profile{}
	p.Kernel.ProcessListHead = uint64(ListHeadVA)
	p.Process.UniqueProcessID = offProcPID
	p.Process.ActiveProcessLinks = offProcLinks
	p.Process.DirectoryTableBase = offProcDTB
	p.Process.VadRoot = offProcVad
	p.Process.ImageFileName = offProcName
	p.Vad.LeftChild = offVadLeft
	p.Vad.RightChild = offVadRight
	p.Vad.StartingVPN = offVadStart
	p.Vad.EndingVPN = offVadEnd
	p.Vad.Flags = offVadFlags
	p.Vad.ControlArea = offVadCA
	p.ControlArea.FileObject = offCAFileObject
	p.FileObject.FileName = offFOFileName
	p.FlagsBits = map[string]profile.BitRange{
		profile.FieldVadType:   {Start: bitsVadTypeStart, End: bitsVadTypeEnd},
		profile.FieldIsPrivate: {Start: bitsPrivate, End: bitsPrivate},
		profile.FieldProt:      {Start: bitsProtStart, End: bitsProtEnd},
	}
	return p
}

// BuildFlags packs a VAD flags word the way the test profile unpacks it.
func BuildFlags(vadType uint64, private bool, prot uint64) uint64 {
	w := vadType << bitsVadTypeStart
	if private {
		w |= 1 << bitsPrivate
	}
	w |= prot << bitsProtStart
	return w
}

// Guest is a synthetic guest under construction.
type Guest struct {
	VM   *vmi.FakeVM
	Prof *profile.Profile

	t       testing.TB
	nextKVA types.Addr
	procs   []types.Addr
}

// NewGuest creates a fake VM with a kernel address space and an empty
// active-process list.
func NewGuest(t testing.TB) *Guest {
	t.Helper()
	g := &Guest{
		VM:      vmi.NewFakeVM(),
		Prof:    Profile(),
		t:       t,
		nextKVA: ListHeadVA,
	}
	g.VM.CreateAddressSpace(vmi.KernelPID)
	head := g.allocKernel() // the list head itself
	if head != ListHeadVA {
		t.Fatalf("list head landed at %s", head)
	}
	g.putU64(head, uint64(head))   // flink: empty list points at itself
	g.putU64(head+8, uint64(head)) // blink
	return g
}

// allocKernel maps a fresh kernel page and returns its base VA. One page
// per structure keeps layouts independent.
func (g *Guest) allocKernel() types.Addr {
	g.t.Helper()
	va := g.nextKVA
	g.nextKVA += types.PageSize
	gpa := g.VM.AllocFrame()
	if err := g.VM.MapPage(vmi.KernelPID, va, gpa, true, false); err != nil {
		g.t.Fatalf("map kernel page: %v", err)
	}
	return va
}

func (g *Guest) putU64(addr types.Addr, v uint64) {
	g.t.Helper()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	if err := g.VM.WriteVirtual(vmi.KernelPID, addr, b[:]); err != nil {
		g.t.Fatalf("write kernel u64 at %s: %v", addr, err)
	}
}

func (g *Guest) put(addr types.Addr, b []byte) {
	g.t.Helper()
	if err := g.VM.WriteVirtual(vmi.KernelPID, addr, b); err != nil {
		g.t.Fatalf("write kernel bytes at %s: %v", addr, err)
	}
}

// Proc is one synthetic guest process.
type Proc struct {
	g          *Guest
	PID        uint32
	Descriptor types.Addr
	Root       uint64 // page-table root

	vadRoot types.Addr
}

// AddProcess allocates a process descriptor, links it into the
// active-process list, and creates its address space.
func (g *Guest) AddProcess(pid uint32, name string) *Proc {
	g.t.Helper()
	desc := g.allocKernel()
	root := g.VM.CreateAddressSpace(pid)

	g.putU64(desc+offProcPID, uint64(pid))
	g.putU64(desc+offProcDTB, root)
	g.putU64(desc+offProcVad, 0)
	img := make([]byte, 15)
	copy(img, name)
	g.put(desc+offProcName, img)

	g.procs = append(g.procs, desc)
	g.relink()
	return &Proc{g: g, PID: pid, Descriptor: desc, Root: root}
}

// relink rewrites the circular flink chain over all descriptors.
func (g *Guest) relink() {
	prev := ListHeadVA
	for _, desc := range g.procs {
		entry := desc + offProcLinks
		g.putU64(prev, uint64(entry))
		g.putU64(entry+8, uint64(prev))
		prev = entry
	}
	g.putU64(prev, uint64(ListHeadVA))
	g.putU64(ListHeadVA+8, uint64(prev))
}

// MapPage backs gva with a fresh frame and returns its physical base.
func (p *Proc) MapPage(gva types.Addr, writable, executable bool) uint64 {
	p.g.t.Helper()
	gpa := p.g.VM.AllocFrame()
	if err := p.g.VM.MapPage(p.PID, gva, gpa, writable, executable); err != nil {
		p.g.t.Fatalf("map %s: %v", gva, err)
	}
	return gpa
}

// Write stores bytes into the process's virtual memory.
func (p *Proc) Write(gva types.Addr, data []byte) {
	p.g.t.Helper()
	if err := p.g.VM.WriteVirtual(p.PID, gva, data); err != nil {
		p.g.t.Fatalf("write %s: %v", gva, err)
	}
}

// AddVad allocates a VAD node covering [startVPN<<12, endVPN<<12) with the
// given type/protection, optionally backed by filename through a control
// area and file object. The node is not linked into the tree.
func (p *Proc) AddVad(startVPN, endVPN uint64, vadType uint64, private bool, prot uint64, filename string) types.Addr {
	p.g.t.Helper()
	node := p.g.allocKernel()
	p.g.putU64(node+offVadStart, startVPN)
	p.g.putU64(node+offVadEnd, endVPN)
	p.g.putU64(node+offVadFlags, BuildFlags(vadType, private, prot))

	if filename != "" {
		buf := p.g.allocKernel()
		enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
		raw, err := enc.Bytes([]byte(filename))
		if err != nil {
			p.g.t.Fatalf("encode filename: %v", err)
		}
		p.g.put(buf, raw)

		fo := p.g.allocKernel()
		p.g.put(fo+offFOFileName, packUnicodeString(uint16(len(raw)), uint64(buf)))

		ca := p.g.allocKernel()
		// low three bits carry the fast-reference tag; readers must mask
		p.g.putU64(ca+offCAFileObject, uint64(fo)|0x5)
		p.g.putU64(node+offVadCA, uint64(ca))
	}
	return node
}

func packUnicodeString(length uint16, buffer uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint16(b[0:], length)
	binary.LittleEndian.PutUint16(b[2:], length)
	binary.LittleEndian.PutUint64(b[8:], buffer)
	return b
}

// LinkVad writes node as the left or right child of parent.
func (p *Proc) LinkVad(parent, node types.Addr, left bool) {
	off := types.Addr(offVadRight)
	if left {
		off = offVadLeft
	}
	p.g.putU64(parent+off, uint64(node))
}

// VadRoot returns the current root of the process's VAD tree.
func (p *Proc) VadRoot() types.Addr { return p.vadRoot }

// SetVadRoot points the descriptor's VAD root at node.
func (p *Proc) SetVadRoot(node types.Addr) {
	p.vadRoot = node
	p.g.putU64(p.Descriptor+offProcVad, uint64(node))
}

// InsertVad BST-inserts node by starting VPN, wiring child pointers in
// guest memory. Handy for bulk tree construction.
func (p *Proc) InsertVad(node types.Addr) {
	p.g.t.Helper()
	if p.vadRoot == 0 {
		p.SetVadRoot(node)
		return
	}
	start := p.readU64(node + offVadStart)
	cur := p.vadRoot
	for {
		curStart := p.readU64(cur + offVadStart)
		childOff := types.Addr(offVadRight)
		if start < curStart {
			childOff = offVadLeft
		}
		child := p.readU64(cur + childOff)
		if child == 0 {
			p.g.putU64(cur+childOff, uint64(node))
			return
		}
		cur = types.Addr(child)
	}
}

func (p *Proc) readU64(addr types.Addr) uint64 {
	p.g.t.Helper()
	var b [8]byte
	if _, err := p.g.VM.ReadVirtual(vmi.KernelPID, addr, b[:]); err != nil {
		p.g.t.Fatalf("read kernel u64 at %s: %v", addr, err)
	}
	return binary.LittleEndian.Uint64(b[:])
}
