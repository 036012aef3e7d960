package process

import (
	"testing"

	"github.com/ja7ad/vmidump/pkg/vmi"
	"github.com/ja7ad/vmidump/pkg/vmi/vmitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePID(t *testing.T) {
	g := vmitest.NewGuest(t)
	g.AddProcess(4, "System")
	target := g.AddProcess(1234, "packer.exe")
	g.AddProcess(5678, "explorer.exe")

	tr := NewTracker(g.VM, g.Prof, false, nil)
	p, err := tr.ResolvePID(1234)
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), p.PID)
	assert.Equal(t, target.Descriptor, p.Descriptor)
	assert.Equal(t, target.Root, p.TableRoot)
	assert.Equal(t, "packer.exe", p.ImageName)

	_, err = tr.ResolvePID(9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveName(t *testing.T) {
	g := vmitest.NewGuest(t)
	g.AddProcess(4, "System")
	g.AddProcess(1234, "packer.exe")

	tr := NewTracker(g.VM, g.Prof, false, nil)

	p, err := tr.ResolveName("PACKER.EXE") // case-insensitive
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), p.PID)

	_, err = tr.ResolveName("absent.exe")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveName_TruncatedImageField(t *testing.T) {
	g := vmitest.NewGuest(t)
	// descriptor stores at most 15 bytes
	g.AddProcess(77, "averylongprocessname.exe")

	tr := NewTracker(g.VM, g.Prof, false, nil)
	p, err := tr.ResolveName("averylongprocessname.exe")
	require.NoError(t, err)
	assert.Equal(t, uint32(77), p.PID)
	assert.Equal(t, "averylongproces", p.ImageName)
}

func TestWalk_EmptyList(t *testing.T) {
	g := vmitest.NewGuest(t)
	tr := NewTracker(g.VM, g.Prof, false, nil)
	_, err := tr.ResolvePID(1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTrackAndExit(t *testing.T) {
	g := vmitest.NewGuest(t)
	g.AddProcess(1234, "packer.exe")

	tr := NewTracker(g.VM, g.Prof, false, nil)
	p, err := tr.ResolvePID(1234)
	require.NoError(t, err)
	tr.Track(p)

	got, ok := tr.Get(1234)
	require.True(t, ok)
	assert.Equal(t, p, got)
	assert.False(t, tr.Empty())
	assert.Len(t, tr.Tracked(), 1)

	gone, ok := tr.HandleExit(1234)
	require.True(t, ok)
	assert.Equal(t, p, gone)
	assert.True(t, tr.Empty())

	_, ok = tr.HandleExit(1234)
	assert.False(t, ok)
}

func TestHandleCreate_FollowChildren(t *testing.T) {
	g := vmitest.NewGuest(t)
	g.AddProcess(1234, "packer.exe")
	child := g.AddProcess(2000, "child.exe")

	ev := vmi.ProcCreateEvent{PID: 2000, ParentPID: 1234, Descriptor: child.Descriptor}

	// follow disabled: never enlists
	off := NewTracker(g.VM, g.Prof, false, nil)
	parent, err := off.ResolvePID(1234)
	require.NoError(t, err)
	off.Track(parent)
	_, ok := off.HandleCreate(ev)
	assert.False(t, ok)

	// follow enabled but parent untracked: not ours
	on := NewTracker(g.VM, g.Prof, true, nil)
	_, ok = on.HandleCreate(ev)
	assert.False(t, ok)

	// follow enabled, parent tracked: enlisted with inherited scope
	parent, err = on.ResolvePID(1234)
	require.NoError(t, err)
	on.Track(parent)
	cp, ok := on.HandleCreate(ev)
	require.True(t, ok)
	assert.Equal(t, uint32(2000), cp.PID)
	assert.Equal(t, uint32(1234), cp.ParentPID)
	assert.Equal(t, "child.exe", cp.ImageName)
	_, ok = on.Get(2000)
	assert.True(t, ok)
}
