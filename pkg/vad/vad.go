// Package vad traverses a guest process's Virtual Address Descriptor tree
// and extracts the segment map used for dumping: one half-open virtual
// range per node, with type, protection, privacy, and the optional backing
// filename recovered through the control area and file object.
//
// Traversal is an explicit iterative in-order walk. Pathological guests
// cannot grow the detector's stack, and the segment cap is a clean early
// exit rather than an unwound recursion.
package vad

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/ja7ad/vmidump/pkg/paging"
	"github.com/ja7ad/vmidump/pkg/profile"
	"github.com/ja7ad/vmidump/pkg/types"
	"github.com/ja7ad/vmidump/pkg/vmi"
)

// DefaultSegCap bounds the number of segments extracted per walk.
const DefaultSegCap = 1024

const (
	maxDepth = 4096    // worklist bound; deeper trees are corrupt
	maxNodes = 1 << 20 // cycle guard
)

// Type is the VAD mapping type.
type Type uint8

const (
	TypeMapped Type = iota
	TypePrivate
	TypeImage
)

func (t Type) String() string {
	switch t {
	case TypePrivate:
		return "private"
	case TypeImage:
		return "image"
	default:
		return "mapped"
	}
}

// vadTypeImage is the raw vad_type value denoting an image section.
const vadTypeImage = 2

// Node is one decoded VAD tree node.
type Node struct {
	Addr        types.Addr
	Left        types.Addr
	Right       types.Addr
	StartVPN    uint64
	EndVPN      uint64
	FlagsWord   uint64
	ControlArea types.Addr
}

// Segment is one captured memory range: [Base, Base+Size). Data holds the
// bytes that were actually readable and may be shorter than Size when
// parts were paged out.
type Segment struct {
	Base       types.Addr
	Size       uint64
	Type       Type
	Protection uint64
	Private    bool
	Filename   string
	Data       []byte
}

// Visitor receives nodes in ascending base-address order. Returning false
// stops the traversal.
type Visitor interface {
	Visit(n Node) bool
}

// Walker reads VAD trees through the introspector and captures segment
// bytes through the paging mirror.
type Walker struct {
	vm     vmi.Introspector
	mirror *paging.Mirror
	prof   *profile.Profile
	log    *slog.Logger
	segCap int
}

// NewWalker creates a walker. segCap <= 0 selects DefaultSegCap.
func NewWalker(vm vmi.Introspector, mirror *paging.Mirror, prof *profile.Profile, segCap int, log *slog.Logger) *Walker {
	if segCap <= 0 {
		segCap = DefaultSegCap
	}
	if log == nil {
		log = slog.Default()
	}
	return &Walker{vm: vm, mirror: mirror, prof: prof, log: log, segCap: segCap}
}

// WalkTree visits the tree rooted at root in-order (left, node, right).
// An unreadable or implausible child pointer logs and skips that subtree;
// the rest of the traversal continues.
func (w *Walker) WalkTree(root types.Addr, v Visitor) error {
	stack := make([]Node, 0, 64)
	cur := root
	visited := 0
	for cur != 0 || len(stack) > 0 {
		for cur != 0 {
			if len(stack) >= maxDepth {
				w.log.Warn("vad tree deeper than worklist bound, truncating", "depth", len(stack))
				cur = 0
				break
			}
			visited++
			if visited > maxNodes {
				return fmt.Errorf("%w: %d nodes visited", ErrTreeRunaway, visited)
			}
			n, err := w.readNode(cur)
			if err != nil {
				w.log.Warn("unreadable vad node, skipping subtree", "addr", cur, "err", err)
				cur = 0
				break
			}
			stack = append(stack, n)
			cur = n.Left
		}
		if len(stack) == 0 {
			break
		}
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !v.Visit(n) {
			return nil
		}
		cur = n.Right
	}
	return nil
}

type collector struct {
	w         *Walker
	tableRoot uint64
	segs      []Segment
	capped    bool
}

func (c *collector) Visit(n Node) bool {
	if len(c.segs) >= c.w.segCap {
		c.capped = true
		return false
	}
	seg, ok := c.w.segmentOf(n)
	if !ok {
		return true
	}
	data, err := c.w.mirror.ReadRange(c.tableRoot, seg.Base, seg.Size)
	if err != nil {
		c.w.log.Debug("segment truncated", "base", seg.Base, "want", seg.Size, "got", len(data), "err", err)
	}
	seg.Data = data
	c.segs = append(c.segs, seg)
	return true
}

// Walk captures every segment of the tree rooted at vadRoot, reading the
// bytes through the page tables rooted at tableRoot. Output is in
// ascending base order. Beyond the segment cap, remaining nodes are
// dropped with a warning, not an error.
func (w *Walker) Walk(vadRoot types.Addr, tableRoot uint64) ([]Segment, error) {
	c := &collector{w: w, tableRoot: tableRoot}
	if err := w.WalkTree(vadRoot, c); err != nil {
		return c.segs, err
	}
	if c.capped {
		w.log.Warn("segment cap exceeded, dropping remaining vads", "cap", w.segCap)
	}
	return c.segs, nil
}

// Locate descends the tree to the node whose range contains gva and
// returns its segment summary (no byte capture).
func (w *Walker) Locate(vadRoot types.Addr, gva types.Addr) (Segment, bool) {
	vpn := gva.VPN()
	cur := vadRoot
	for depth := 0; cur != 0 && depth < maxDepth; depth++ {
		n, err := w.readNode(cur)
		if err != nil {
			w.log.Warn("unreadable vad node during lookup", "addr", cur, "err", err)
			return Segment{}, false
		}
		switch {
		case vpn < n.StartVPN:
			cur = n.Left
		case vpn >= n.EndVPN:
			cur = n.Right
		default:
			seg, ok := w.segmentOf(n)
			return seg, ok
		}
	}
	return Segment{}, false
}

// Decode turns a visited node into its segment summary without capturing
// bytes. Returns false for nodes a dump would skip (zero bounds,
// implausible VPNs).
func (w *Walker) Decode(n Node) (Segment, bool) { return w.segmentOf(n) }

// segmentOf decodes a node into a segment without capturing bytes.
// Returns false for nodes the dump skips (zero bounds, implausible VPNs).
func (w *Walker) segmentOf(n Node) (Segment, bool) {
	base := types.Addr(n.StartVPN << types.PageShift)
	end := types.Addr(n.EndVPN << types.PageShift)
	if base == 0 || end == 0 {
		return Segment{}, false
	}
	if end <= base || n.EndVPN-n.StartVPN > 1<<24 {
		w.log.Warn("implausible vad bounds, skipping node", "addr", n.Addr, "start", n.StartVPN, "end", n.EndVPN)
		return Segment{}, false
	}

	flags := w.prof.VadFlags(n.FlagsWord)
	seg := Segment{Base: base, Size: uint64(end - base)}
	if v, err := flags.Get(profile.FieldProt); err == nil {
		seg.Protection = v
	}
	if v, err := flags.Get(profile.FieldIsPrivate); err == nil {
		seg.Private = v != 0
	}
	rawType := uint64(0)
	if v, err := flags.Get(profile.FieldVadType); err == nil {
		rawType = v
	}
	switch {
	case rawType == vadTypeImage:
		seg.Type = TypeImage
	case seg.Private:
		seg.Type = TypePrivate
	default:
		seg.Type = TypeMapped
	}

	name, err := w.fileName(n.ControlArea)
	if err != nil {
		// profile mismatch policy: the attribute is omitted, not the node
		w.log.Debug("backing filename unavailable", "vad", n.Addr, "err", err)
	}
	seg.Filename = name
	return seg, true
}

func (w *Walker) readNode(addr types.Addr) (Node, error) {
	if !addr.Canonical() {
		return Node{}, fmt.Errorf("%w: non-canonical %s", ErrBadNode, addr)
	}
	n := Node{Addr: addr}
	var err error
	read := func(off uint64) uint64 {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = w.readU64(addr + types.Addr(off))
		return v
	}
	n.Left = types.Addr(read(w.prof.Vad.LeftChild))
	n.Right = types.Addr(read(w.prof.Vad.RightChild))
	n.StartVPN = read(w.prof.Vad.StartingVPN)
	n.EndVPN = read(w.prof.Vad.EndingVPN)
	n.FlagsWord = read(w.prof.Vad.Flags)
	n.ControlArea = types.Addr(read(w.prof.Vad.ControlArea))
	if err != nil {
		return Node{}, err
	}
	if n.Left != 0 && !n.Left.Canonical() {
		w.log.Warn("implausible left child, skipping subtree", "addr", addr, "left", n.Left)
		n.Left = 0
	}
	if n.Right != 0 && !n.Right.Canonical() {
		w.log.Warn("implausible right child, skipping subtree", "addr", addr, "right", n.Right)
		n.Right = 0
	}
	return n, nil
}

func (w *Walker) readU64(addr types.Addr) (uint64, error) {
	var b [8]byte
	if _, err := w.vm.ReadVirtual(vmi.KernelPID, addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
