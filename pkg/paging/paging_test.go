package paging

import (
	"testing"

	"github.com/ja7ad/vmidump/pkg/classify"
	"github.com/ja7ad/vmidump/pkg/types"
	"github.com/ja7ad/vmidump/pkg/vmi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuest(t *testing.T, pid uint32) (*vmi.FakeVM, *Mirror, uint64) {
	t.Helper()
	f := vmi.NewFakeVM()
	root := f.CreateAddressSpace(pid)
	return f, NewMirror(f, nil), root
}

func TestResolve_FourLevel(t *testing.T) {
	f, m, root := newGuest(t, 1)
	gpa := f.AllocFrame()
	require.NoError(t, f.MapPage(1, 0x400000, gpa, true, true))

	mapping, err := m.Resolve(root, 0x400a37)
	require.NoError(t, err)
	assert.Equal(t, gpa|0xa37, mapping.GPA)
	assert.Equal(t, uint64(types.PageSize), mapping.PageSize)
	assert.Equal(t, gpa, mapping.Frame())
	assert.True(t, mapping.Writable)
	assert.True(t, mapping.Executable)
}

func TestResolve_Permissions(t *testing.T) {
	f, m, root := newGuest(t, 1)
	ro := f.AllocFrame()
	nx := f.AllocFrame()
	require.NoError(t, f.MapPage(1, 0x10000, ro, false, true))
	require.NoError(t, f.MapPage(1, 0x11000, nx, true, false))

	mapping, err := m.Resolve(root, 0x10000)
	require.NoError(t, err)
	assert.False(t, mapping.Writable)
	assert.True(t, mapping.Executable)

	mapping, err = m.Resolve(root, 0x11000)
	require.NoError(t, err)
	assert.True(t, mapping.Writable)
	assert.False(t, mapping.Executable)
}

func TestResolve_NotMapped(t *testing.T) {
	_, m, root := newGuest(t, 1)
	_, err := m.Resolve(root, 0x400000)
	require.ErrorIs(t, err, ErrNotMapped)
}

func TestResolve_LargePages(t *testing.T) {
	f, m, root := newGuest(t, 1)

	gpa2m := f.AllocFrame()
	require.NoError(t, f.MapLarge(1, 0x40000000, gpa2m, 2, true, false))
	mapping, err := m.Resolve(root, 0x40000123)
	require.NoError(t, err)
	assert.Equal(t, uint64(2<<20), mapping.PageSize)
	assert.Equal(t, gpa2m+0x123, mapping.GPA)

	gpa1g := f.AllocFrame()
	require.NoError(t, f.MapLarge(1, 0x8000000000, gpa1g, 1, true, false))
	mapping, err = m.Resolve(root, 0x8000000456)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30), mapping.PageSize)
	assert.Equal(t, gpa1g+0x456, mapping.GPA)
}

func TestReadRange_FullAndTruncated(t *testing.T) {
	f, m, root := newGuest(t, 1)
	a := f.AllocFrame()
	b := f.AllocFrame()
	require.NoError(t, f.MapPage(1, 0x20000, a, true, false))
	require.NoError(t, f.MapPage(1, 0x21000, b, true, false))
	require.NoError(t, f.WriteVirtual(1, 0x20ffc, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	// crosses the page boundary
	data, err := m.ReadRange(root, 0x20ffc, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, data)

	// 0x22000 is absent: prefix comes back with the cause
	data, err = m.ReadRange(root, 0x21000, 2*types.PageSize)
	require.ErrorIs(t, err, ErrNotMapped)
	assert.Len(t, data, types.PageSize)
}

func TestFault_GenerationAndRemap(t *testing.T) {
	f, m, root := newGuest(t, 7)
	gpa := f.AllocFrame()
	require.NoError(t, f.MapPage(7, 0x400000, gpa, true, true))

	rec, err := m.Fault(root, 7, 0x400010, vmi.RightWrite, classify.Code)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Generation)
	assert.Equal(t, Clean, rec.State)
	assert.Equal(t, gpa, rec.Frame)

	// reads never bump the generation
	rec, err = m.Fault(root, 7, 0x400010, vmi.RightRead, classify.Code)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Generation)

	rec, err = m.Fault(root, 7, 0x400020, vmi.RightWrite, classify.Code)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Generation)

	// remap the page; the next fault reconciles the frame
	f.Unmap(7, 0x400000)
	fresh := f.AllocFrame()
	require.NoError(t, f.MapPage(7, 0x400000, fresh, true, true))
	rec, err = m.Fault(root, 7, 0x400000, vmi.RightWrite, classify.Code)
	require.NoError(t, err)
	assert.Equal(t, fresh, rec.Frame)
	assert.Equal(t, uint64(3), rec.Generation)
}

func TestFault_DemandPagingLeavesNoRecord(t *testing.T) {
	_, m, root := newGuest(t, 7)
	_, err := m.Fault(root, 7, 0x500000, vmi.RightWrite, classify.Unknown)
	require.ErrorIs(t, err, ErrNotMapped)
	_, ok := m.Get(7, types.Addr(0x500000).VPN())
	assert.False(t, ok)
}

func TestRecordLifecycle(t *testing.T) {
	f, m, root := newGuest(t, 9)
	gpa := f.AllocFrame()
	require.NoError(t, f.MapPage(9, 0x400000, gpa, true, true))

	_, err := m.Fault(root, 9, 0x400000, vmi.RightWrite, classify.Code)
	require.NoError(t, err)
	vpn := types.Addr(0x400000).VPN()

	ok := m.Update(9, vpn, func(r *Record) { r.State = PendingExec })
	require.True(t, ok)

	frame, ok := m.MarkDumped(9, vpn)
	require.True(t, ok)
	assert.Equal(t, gpa, frame)
	rec, _ := m.Get(9, vpn)
	assert.Equal(t, Dumped, rec.State)

	// idempotence: a second completion is a no-op
	_, ok = m.MarkDumped(9, vpn)
	assert.False(t, ok)

	frames := m.Drop(9)
	assert.Equal(t, []uint64{gpa}, frames)
	assert.Empty(t, m.Records(9))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "clean", Clean.String())
	assert.Equal(t, "written", Written.String())
	assert.Equal(t, "pending-exec", PendingExec.String())
	assert.Equal(t, "dumped", Dumped.String())
}
