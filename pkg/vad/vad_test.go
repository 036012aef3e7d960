package vad

import (
	"fmt"
	"testing"

	"github.com/ja7ad/vmidump/pkg/paging"
	"github.com/ja7ad/vmidump/pkg/types"
	"github.com/ja7ad/vmidump/pkg/vmi/vmitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWalker(t *testing.T, g *vmitest.Guest, segCap int) *Walker {
	t.Helper()
	mirror := paging.NewMirror(g.VM, nil)
	return NewWalker(g.VM, mirror, g.Prof, segCap, nil)
}

// three VADs inserted out of order; in-order traversal must yield
// ascending bases
func TestWalk_InOrderAscending(t *testing.T) {
	g := vmitest.NewGuest(t)
	p := g.AddProcess(100, "sample.exe")

	mid := p.AddVad(0x500, 0x502, 0, true, 2, "")
	low := p.AddVad(0x400, 0x403, 2, false, 6, `\Users\u\sample.exe`)
	high := p.AddVad(0x7f0, 0x7f1, 0, false, 1, "")
	p.SetVadRoot(mid)
	p.LinkVad(mid, low, true)
	p.LinkVad(mid, high, false)

	// back the image region with real bytes
	for i := 0; i < 3; i++ {
		p.MapPage(types.Addr(0x400000+i*types.PageSize), true, true)
	}
	p.Write(0x400000, []byte{0x4d, 0x5a})

	w := newWalker(t, g, 0)
	segs, err := w.Walk(p.VadRoot(), p.Root)
	require.NoError(t, err)
	require.Len(t, segs, 3)

	for i := 1; i < len(segs); i++ {
		assert.Less(t, segs[i-1].Base, segs[i].Base, "segments out of order")
	}

	img := segs[0]
	assert.Equal(t, types.Addr(0x400000), img.Base)
	assert.Equal(t, uint64(0x3000), img.Size)
	assert.Equal(t, TypeImage, img.Type)
	assert.False(t, img.Private)
	assert.Equal(t, uint64(6), img.Protection)
	assert.Equal(t, `\Users\u\sample.exe`, img.Filename)
	require.Len(t, img.Data, 0x3000)
	assert.Equal(t, []byte{0x4d, 0x5a}, img.Data[:2])

	heap := segs[1]
	assert.Equal(t, TypePrivate, heap.Type)
	assert.True(t, heap.Private)
	assert.Empty(t, heap.Filename)
	// no pages mapped behind the heap vad: captured prefix is empty
	assert.Empty(t, heap.Data)
	assert.Equal(t, uint64(0x2000), heap.Size)
}

func TestWalk_TruncatesToReadablePrefix(t *testing.T) {
	g := vmitest.NewGuest(t)
	p := g.AddProcess(100, "sample.exe")

	node := p.AddVad(0x600, 0x604, 0, true, 2, "")
	p.SetVadRoot(node)
	// only the first two of four pages are present
	p.MapPage(0x600000, true, false)
	p.MapPage(0x601000, true, false)

	w := newWalker(t, g, 0)
	segs, err := w.Walk(p.VadRoot(), p.Root)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, uint64(0x4000), segs[0].Size)
	assert.Len(t, segs[0].Data, 0x2000)
}

func TestWalk_SkipsZeroAndCorrupt(t *testing.T) {
	g := vmitest.NewGuest(t)
	p := g.AddProcess(100, "sample.exe")

	root := p.AddVad(0x500, 0x501, 0, true, 2, "")
	zero := p.AddVad(0, 0, 0, true, 2, "") // zero bounds: dropped
	p.SetVadRoot(root)
	p.LinkVad(root, zero, true)
	// right child points into unmapped kernel space: subtree skipped
	p.LinkVad(root, types.Addr(0xffff800099999000), false)

	w := newWalker(t, g, 0)
	segs, err := w.Walk(p.VadRoot(), p.Root)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, types.Addr(0x500000), segs[0].Base)
}

// segment-count cap: 2000 nodes, cap 1024; ascending order, no error
func TestWalk_SegmentCap(t *testing.T) {
	g := vmitest.NewGuest(t)
	p := g.AddProcess(100, "sample.exe")

	prev := types.Addr(0)
	for i := 0; i < 2000; i++ {
		start := uint64(0x10000 + 2*i)
		node := p.AddVad(start, start+1, 0, true, 2, "")
		if prev == 0 {
			p.SetVadRoot(node)
		} else {
			p.LinkVad(prev, node, false)
		}
		prev = node
	}

	w := newWalker(t, g, 1024)
	segs, err := w.Walk(p.VadRoot(), p.Root)
	require.NoError(t, err)
	require.Len(t, segs, 1024)
	for i := 1; i < len(segs); i++ {
		require.Less(t, segs[i-1].Base, segs[i].Base)
	}
}

func TestWalkTree_VisitorStops(t *testing.T) {
	g := vmitest.NewGuest(t)
	p := g.AddProcess(100, "sample.exe")
	for i := 0; i < 10; i++ {
		p.InsertVad(p.AddVad(uint64(0x400+i), uint64(0x401+i), 0, true, 2, ""))
	}

	w := newWalker(t, g, 0)
	count := 0
	err := w.WalkTree(p.VadRoot(), visitFunc(func(Node) bool {
		count++
		return count < 3
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

type visitFunc func(Node) bool

func (f visitFunc) Visit(n Node) bool { return f(n) }

func TestLocate(t *testing.T) {
	g := vmitest.NewGuest(t)
	p := g.AddProcess(100, "sample.exe")

	img := p.AddVad(0x400, 0x403, 2, false, 6, `\sample.exe`)
	heap := p.AddVad(0x500, 0x510, 0, true, 2, "")
	p.SetVadRoot(img)
	p.LinkVad(img, heap, false)

	w := newWalker(t, g, 0)

	seg, ok := w.Locate(p.VadRoot(), 0x401a37)
	require.True(t, ok)
	assert.Equal(t, types.Addr(0x400000), seg.Base)
	assert.Equal(t, TypeImage, seg.Type)
	assert.Nil(t, seg.Data) // lookups never capture

	seg, ok = w.Locate(p.VadRoot(), 0x50f000)
	require.True(t, ok)
	assert.Equal(t, types.Addr(0x500000), seg.Base)

	// end VPN is exclusive
	_, ok = w.Locate(p.VadRoot(), 0x403000)
	assert.False(t, ok)

	_, ok = w.Locate(p.VadRoot(), 0x900000)
	assert.False(t, ok)
}

func TestFileName_TagBitsMasked(t *testing.T) {
	g := vmitest.NewGuest(t)
	p := g.AddProcess(100, "sample.exe")
	node := p.AddVad(0x7000, 0x7001, 2, false, 5, `C:\Windows\System32\kernel32.dll`)
	p.SetVadRoot(node)

	w := newWalker(t, g, 0)
	seg, ok := w.Locate(p.VadRoot(), 0x7000000)
	require.True(t, ok)
	// the builder sets tag bits on the file-object pointer; decode must
	// still succeed
	assert.Equal(t, `C:\Windows\System32\kernel32.dll`, seg.Filename)
	assert.Equal(t, "kernel32.dll", BaseName(seg.Filename))
}

func TestProtHelpers(t *testing.T) {
	assert.False(t, ProtExecutable(2))
	assert.True(t, ProtExecutable(6))
	assert.True(t, ProtGuard(2|8))
	assert.False(t, ProtGuard(6))
	assert.Equal(t, "execute-readwrite", ProtString(6))
	assert.Equal(t, "readwrite+guard", ProtString(2|8))
}

func TestBaseName(t *testing.T) {
	cases := []struct{ in, want string }{
		{`\Device\HarddiskVolume2\Windows\System32\ntdll.dll`, "ntdll.dll"},
		{"a/b/c.exe", "c.exe"},
		{"plain.exe", "plain.exe"},
		{"", ""},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			require.Equal(t, tc.want, BaseName(tc.in))
		})
	}
}

