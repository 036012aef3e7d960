package monitor

import (
	"github.com/ja7ad/vmidump/pkg/classify"
	"github.com/ja7ad/vmidump/pkg/dump"
	"github.com/ja7ad/vmidump/pkg/paging"
	"github.com/ja7ad/vmidump/pkg/process"
	"github.com/ja7ad/vmidump/pkg/traps"
	"github.com/ja7ad/vmidump/pkg/vmi"
)

// handleMem is the single dispatch callback. It always returns ActionStep:
// the faulting guest instruction must complete exactly once regardless of
// what the state machine decided.
func (m *Monitor) handleMem(ev vmi.MemEvent) traps.Action {
	m.acc.Event(ev.Access)

	p, ok := m.tracker.Get(ev.PID)
	if !ok {
		// the frame is shared with a process outside our scope; let its
		// access through untracked
		return traps.ActionStep
	}

	seg, found := m.walker.Locate(p.VadRoot, ev.GVA)
	cat := m.classifySeg(p, seg, found)

	rec, err := m.mirror.Fault(p.TableRoot, ev.PID, ev.GVA, ev.Access, cat)
	if err != nil {
		// the page is not present yet: demand paging, not a write
		m.acc.DemandPaging()
		m.log.Debug("fault on non-present page", "pid", ev.PID, "gva", ev.GVA, "err", err)
		return traps.ActionStep
	}

	switch {
	case ev.Access&vmi.RightWrite != 0:
		m.onWrite(ev, rec, cat)
	case ev.Access&vmi.RightExec != 0:
		m.onExec(p, ev, rec, cat)
	default:
		// spurious read observation; never changes state
	}
	return traps.ActionStep
}

// onWrite moves the page to WRITTEN from any state and arms the execute
// trap on its current frame. The generation was already bumped by the
// mirror. Re-writes of PENDING_EXEC pages also land here, which keeps a
// page rewritten mid-dump eligible for the next trigger.
func (m *Monitor) onWrite(ev vmi.MemEvent, rec paging.Record, cat classify.Category) {
	m.mirror.Update(ev.PID, ev.GVA.VPN(), func(r *paging.Record) {
		r.State = paging.Written
	})
	if m.cfg.Policy.Monitored(cat) {
		m.ctrl.Arm(rec.Frame, vmi.RightExec)
	}
	m.log.Debug("write observed",
		"pid", ev.PID, "gva", ev.GVA, "rip", ev.RIP,
		"category", cat.String(), "generation", rec.Generation, "from", rec.State.String())
}

// onExec fires the dump on a WRITTEN page of a monitored category. The
// sequence number is assigned here, in trigger order; Enqueue may block
// on a full queue, which intentionally holds the paused vCPU.
func (m *Monitor) onExec(p *process.Process, ev vmi.MemEvent, rec paging.Record, cat classify.Category) {
	if rec.State != paging.Written {
		// CLEAN or DUMPED code re-executing unchanged; drop a stale
		// execute trap if one survived
		m.ctrl.Disarm(rec.Frame, vmi.RightExec)
		return
	}
	if !m.cfg.Policy.Monitored(cat) {
		m.acc.Suppress(cat)
		m.ctrl.Disarm(rec.Frame, vmi.RightExec)
		m.log.Debug("trigger suppressed by policy", "pid", ev.PID, "gva", ev.GVA, "category", cat.String())
		return
	}

	m.seq++
	segs, err := m.walker.Walk(p.VadRoot, p.TableRoot)
	if err != nil {
		// a hostile tree can abort the walk; emit what was extracted
		m.log.Warn("vad walk aborted mid-dump", "pid", ev.PID, "err", err)
	}
	m.mirror.Update(ev.PID, ev.GVA.VPN(), func(r *paging.Record) {
		r.State = paging.PendingExec
	})
	m.log.Info("write-then-execute trigger",
		"seq", m.seq, "pid", ev.PID, "rip", ev.RIP, "gva", ev.GVA,
		"generation", rec.Generation, "segments", len(segs))

	job := &dump.Job{Seq: m.seq, PID: ev.PID, RIP: ev.RIP, Trigger: ev.GVA, Segments: segs}
	if err := m.queue.Enqueue(job); err != nil {
		m.log.Error("enqueue failed", "seq", job.Seq, "err", err)
		m.mirror.Update(ev.PID, ev.GVA.VPN(), func(r *paging.Record) {
			r.State = paging.Written
		})
	}
}

// persisted runs on the writer goroutine after each job reaches disk:
// PENDING_EXEC becomes DUMPED and the execute trap is dropped, so
// re-executing unchanged code stays silent until the next write.
func (m *Monitor) persisted(j *dump.Job) {
	if frame, ok := m.mirror.MarkDumped(j.PID, j.Trigger.VPN()); ok {
		m.ctrl.Disarm(frame, vmi.RightExec)
	}
	var captured, truncated int
	for i := range j.Segments {
		captured += len(j.Segments[i].Data)
		if uint64(len(j.Segments[i].Data)) < j.Segments[i].Size {
			truncated++
		}
	}
	m.acc.Dump(len(j.Segments), uint64(captured), truncated)
}
