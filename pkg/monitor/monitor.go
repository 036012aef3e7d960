package monitor

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ja7ad/vmidump/pkg/classify"
	"github.com/ja7ad/vmidump/pkg/dump"
	"github.com/ja7ad/vmidump/pkg/paging"
	"github.com/ja7ad/vmidump/pkg/process"
	"github.com/ja7ad/vmidump/pkg/profile"
	"github.com/ja7ad/vmidump/pkg/stats"
	"github.com/ja7ad/vmidump/pkg/traps"
	"github.com/ja7ad/vmidump/pkg/types"
	"github.com/ja7ad/vmidump/pkg/vad"
	"github.com/ja7ad/vmidump/pkg/vmi"
)

// Config is the immutable run configuration, built once by the caller and
// threaded through every component constructor.
type Config struct {
	// OutputDir receives dump and map artifacts.
	OutputDir string
	// FollowChildren enlists children of the target, inheriting policy.
	FollowChildren bool
	// Policy decides which page categories participate in detection.
	Policy classify.Policy
	// QueueDepth bounds the dump queue; 0 selects dump.DefaultDepth.
	QueueDepth int
	// SegmentCap bounds segments per dump; 0 selects vad.DefaultSegCap.
	SegmentCap int
}

// Target selects the monitored process: exactly one of PID or Name.
type Target struct {
	PID  uint32
	Name string
}

// Monitor owns the event loop and the per-page state machine.
type Monitor struct {
	cfg Config
	vm  vmi.Introspector
	log *slog.Logger

	mirror  *paging.Mirror
	ctrl    *traps.Controller
	walker  *vad.Walker
	queue   *dump.Queue
	tracker *process.Tracker
	acc     *stats.Accumulator

	seq uint64
}

// New wires the engine over an introspection session. The output
// directory is created eagerly so configuration errors surface before the
// guest is touched.
func New(vm vmi.Introspector, prof *profile.Profile, cfg Config, log *slog.Logger) (*Monitor, error) {
	if log == nil {
		log = slog.Default()
	}
	queue, err := dump.NewQueue(cfg.OutputDir, cfg.QueueDepth, log)
	if err != nil {
		return nil, err
	}
	mirror := paging.NewMirror(vm, log)
	m := &Monitor{
		cfg:     cfg,
		vm:      vm,
		log:     log,
		mirror:  mirror,
		ctrl:    traps.NewController(vm, log),
		walker:  vad.NewWalker(vm, mirror, prof, cfg.SegmentCap, log),
		queue:   queue,
		tracker: process.NewTracker(vm, prof, cfg.FollowChildren, log),
		acc:     stats.New(),
	}
	m.ctrl.OnEvent(m.handleMem)
	m.queue.OnPersisted(m.persisted)
	return m, nil
}

// Stats returns a snapshot of the run counters.
func (m *Monitor) Stats() stats.Counters { return m.acc.Snapshot() }

// Run resolves the target, instruments it, and processes events until the
// context is cancelled, every target exits, or the introspection link
// drops (vmi.ErrNotConnected). Shutdown always disarms traps best-effort
// and drains the dump queue.
func (m *Monitor) Run(ctx context.Context, tgt Target) error {
	if tgt.PID != 0 && tgt.Name != "" {
		return ErrAmbiguousTarget
	}
	if tgt.PID == 0 && tgt.Name == "" {
		return ErrNoTarget
	}

	// hold the guest still while the process list is walked and the
	// initial traps go in
	if err := m.vm.Pause(); err != nil {
		return err
	}
	var (
		p   *process.Process
		err error
	)
	if tgt.PID != 0 {
		p, err = m.tracker.ResolvePID(tgt.PID)
	} else {
		p, err = m.tracker.ResolveName(tgt.Name)
	}
	if err != nil {
		_ = m.vm.Resume()
		return err
	}
	m.tracker.Track(p)
	m.attach(p)
	if err := m.vm.Resume(); err != nil {
		return err
	}
	m.queue.Start()
	defer m.shutdown()

	events := m.vm.Events()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("interrupted")
			return nil
		case ev, ok := <-events:
			if !ok {
				return vmi.ErrNotConnected
			}
			switch e := ev.(type) {
			case vmi.MemEvent:
				m.ctrl.Dispatch(e)
			case vmi.ProcCreateEvent:
				if child, ok := m.tracker.HandleCreate(e); ok {
					m.attach(child)
				}
			case vmi.ProcExitEvent:
				m.handleExit(e.PID)
				if m.tracker.Empty() {
					m.log.Info("all targets exited")
					return nil
				}
			}
		}
	}
}

func (m *Monitor) shutdown() {
	m.ctrl.DisarmAll()
	m.queue.Close()
}

// attach performs the initial instrumentation sweep: every present page
// of a monitored-category segment gets a write trap, so the first layer
// of self-modification is observed. Only pages present during the sweep
// are armed; nothing arms write traps on pages mapped in later.
func (m *Monitor) attach(p *process.Process) {
	m.log.Info("attached", "pid", p.PID, "image", p.ImageName)
	armed := 0
	err := m.walker.WalkTree(p.VadRoot, visitFunc(func(n vad.Node) bool {
		seg, ok := m.walker.Decode(n)
		if !ok {
			return true
		}
		if !m.cfg.Policy.Monitored(m.classifySeg(p, seg, true)) {
			return true
		}
		for off := uint64(0); off < seg.Size; off += types.PageSize {
			mapping, rerr := m.mirror.Resolve(p.TableRoot, seg.Base+types.Addr(off))
			if rerr != nil {
				continue // not present; nothing to arm yet
			}
			m.ctrl.Arm(mapping.Frame(), vmi.RightWrite)
			armed++
		}
		return true
	}))
	if err != nil {
		m.log.Warn("instrumentation sweep incomplete", "pid", p.PID, "err", err)
	}
	m.log.Debug("write traps armed", "pid", p.PID, "pages", armed)
}

func (m *Monitor) handleExit(pid uint32) {
	p, ok := m.tracker.HandleExit(pid)
	if !ok {
		return
	}
	for _, frame := range m.mirror.Drop(pid) {
		m.ctrl.Disarm(frame, vmi.RightWrite|vmi.RightExec)
	}
	m.log.Info("target exited", "pid", pid, "image", p.ImageName)
}

// classifySeg builds the classifier input for a located segment.
func (m *Monitor) classifySeg(p *process.Process, seg vad.Segment, found bool) classify.Category {
	if !found {
		return classify.Classify(classify.Input{})
	}
	return classify.Classify(classify.Input{
		HasSegment: true,
		Image:      seg.Type == vad.TypeImage,
		Private:    seg.Private,
		Backed:     seg.Filename != "",
		MainImage:  isMainImage(p, seg.Filename),
		Stack:      vad.ProtGuard(seg.Protection),
		Executable: vad.ProtExecutable(seg.Protection),
	})
}

// isMainImage compares a VAD backing filename with the process's own
// image name, accounting for the descriptor field's truncation.
func isMainImage(p *process.Process, filename string) bool {
	base := vad.BaseName(filename)
	if base == "" || p.ImageName == "" {
		return false
	}
	if strings.EqualFold(base, p.ImageName) {
		return true
	}
	// the descriptor field is truncated; only then is a prefix match valid
	return len(p.ImageName) == process.ImageNameLen &&
		len(base) > process.ImageNameLen &&
		strings.EqualFold(base[:process.ImageNameLen], p.ImageName)
}

type visitFunc func(n vad.Node) bool

func (f visitFunc) Visit(n vad.Node) bool { return f(n) }
