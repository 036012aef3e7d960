// Package process resolves and tracks the guest processes in scope: the
// startup target (by PID or image name, via one walk of the kernel's
// active-process list), children discovered through process-creation
// events when follow-children is on, and teardown on exit events.
package process

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ja7ad/vmidump/pkg/profile"
	"github.com/ja7ad/vmidump/pkg/types"
	"github.com/ja7ad/vmidump/pkg/vmi"
)

// maxListEntries bounds the active-process list walk; a longer chain is a
// corrupt or hostile list.
const maxListEntries = 1 << 16

// ImageNameLen is the fixed width of the image-name field in the process
// descriptor.
const ImageNameLen = 15

// Process is one monitored guest process.
type Process struct {
	PID        uint32
	Descriptor types.Addr // kernel VA of the process descriptor
	TableRoot  uint64     // top-level page-table root (physical)
	VadRoot    types.Addr // kernel VA of the VAD tree root
	ImageName  string
	ParentPID  uint32
}

// Tracker resolves targets and keeps the set of in-scope processes.
type Tracker struct {
	vm     vmi.Introspector
	prof   *profile.Profile
	log    *slog.Logger
	follow bool

	mu    sync.Mutex
	procs map[uint32]*Process
}

// NewTracker creates a tracker. follow enables child enlistment.
func NewTracker(vm vmi.Introspector, prof *profile.Profile, follow bool, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{vm: vm, prof: prof, log: log, follow: follow, procs: make(map[uint32]*Process)}
}

// ResolvePID walks the active-process list for the given PID.
func (t *Tracker) ResolvePID(pid uint32) (*Process, error) {
	var found *Process
	err := t.walkList(func(p *Process) bool {
		if p.PID == pid {
			found = p
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	return found, nil
}

// ResolveName walks the active-process list for the given image name.
// The kernel truncates image names; comparison accounts for it.
func (t *Tracker) ResolveName(name string) (*Process, error) {
	var found *Process
	err := t.walkList(func(p *Process) bool {
		if nameMatches(p.ImageName, name) {
			found = p
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: image %q", ErrNotFound, name)
	}
	return found, nil
}

func nameMatches(image, want string) bool {
	if strings.EqualFold(image, want) {
		return true
	}
	return len(want) > ImageNameLen && strings.EqualFold(image, want[:ImageNameLen])
}

// walkList iterates every descriptor on the active-process list until the
// visitor returns false. Unreadable descriptors are logged and skipped.
func (t *Tracker) walkList(visit func(*Process) bool) error {
	head := types.Addr(t.prof.Kernel.ProcessListHead)
	entry, err := t.readU64(head)
	if err != nil {
		return fmt.Errorf("%w: list head: %v", ErrListCorrupt, err)
	}
	for n := 0; types.Addr(entry) != head; n++ {
		if n >= maxListEntries {
			return fmt.Errorf("%w: more than %d entries", ErrListCorrupt, maxListEntries)
		}
		desc := types.Addr(entry) - types.Addr(t.prof.Process.ActiveProcessLinks)
		p, perr := t.readProcess(desc)
		if perr != nil {
			t.log.Warn("unreadable process descriptor, skipping", "desc", desc, "err", perr)
		} else if !visit(p) {
			return nil
		}
		link := entry
		entry, err = t.readU64(types.Addr(link))
		if err != nil {
			return fmt.Errorf("%w: flink at %#x: %v", ErrListCorrupt, link, err)
		}
	}
	return nil
}

// readProcess decodes one process descriptor through the profile.
func (t *Tracker) readProcess(desc types.Addr) (*Process, error) {
	if !desc.Canonical() {
		return nil, fmt.Errorf("non-canonical descriptor %s", desc)
	}
	pid, err := t.readU64(desc + types.Addr(t.prof.Process.UniqueProcessID))
	if err != nil {
		return nil, fmt.Errorf("pid: %w", err)
	}
	dtb, err := t.readU64(desc + types.Addr(t.prof.Process.DirectoryTableBase))
	if err != nil {
		return nil, fmt.Errorf("table base: %w", err)
	}
	vadRoot, err := t.readU64(desc + types.Addr(t.prof.Process.VadRoot))
	if err != nil {
		return nil, fmt.Errorf("vad root: %w", err)
	}

	name := make([]byte, ImageNameLen)
	if _, err := t.vm.ReadVirtual(vmi.KernelPID, desc+types.Addr(t.prof.Process.ImageFileName), name); err != nil {
		// profile mismatch policy: the attribute is omitted
		t.log.Debug("image name unreadable", "desc", desc, "err", err)
		name = nil
	}
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	return &Process{
		PID:        uint32(pid),
		Descriptor: desc,
		TableRoot:  dtb &^ (types.PageSize - 1), // low bits carry PCID/flags
		VadRoot:    types.Addr(vadRoot),
		ImageName:  string(name),
	}, nil
}

func (t *Tracker) readU64(addr types.Addr) (uint64, error) {
	var b [8]byte
	if _, err := t.vm.ReadVirtual(vmi.KernelPID, addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Track puts a process in scope.
func (t *Tracker) Track(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[p.PID] = p
}

// Get returns the tracked process for pid, if any.
func (t *Tracker) Get(pid uint32) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Tracked returns the current in-scope set, unordered.
func (t *Tracker) Tracked() []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	return out
}

// Empty reports whether nothing is in scope anymore.
func (t *Tracker) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs) == 0
}

// HandleCreate enlists a child when follow-children is on and the parent
// is in scope. Returns the new process when enlisted.
func (t *Tracker) HandleCreate(ev vmi.ProcCreateEvent) (*Process, bool) {
	if !t.follow {
		return nil, false
	}
	if _, ok := t.Get(ev.ParentPID); !ok {
		return nil, false
	}
	p, err := t.readProcess(ev.Descriptor)
	if err != nil {
		t.log.Warn("child descriptor unreadable", "pid", ev.PID, "err", err)
		return nil, false
	}
	p.ParentPID = ev.ParentPID
	if p.PID == 0 {
		p.PID = ev.PID
	}
	t.Track(p)
	t.log.Info("following child", "pid", p.PID, "parent", ev.ParentPID, "image", p.ImageName)
	return p, true
}

// HandleExit removes an exited process from scope.
func (t *Tracker) HandleExit(pid uint32) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if ok {
		delete(t.procs, pid)
	}
	return p, ok
}
