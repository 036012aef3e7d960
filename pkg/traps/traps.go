// Package traps owns SLAT memory-trap state: which access rights are
// revoked on which guest-physical frames, and the single-step dance that
// lets a faulting guest instruction complete exactly once before the trap
// is re-applied.
package traps

import (
	"log/slog"
	"sync"

	"github.com/ja7ad/vmidump/pkg/types"
	"github.com/ja7ad/vmidump/pkg/vmi"
)

// Action is the handler's verdict for one memory event.
type Action int

const (
	// ActionResume resumes the vCPU with traps untouched. Only valid when
	// the faulting access no longer traps (e.g. the trap was disarmed in
	// the handler); otherwise the guest re-faults forever.
	ActionResume Action = iota

	// ActionStep grants the faulting right, single-steps the vCPU once,
	// and re-applies the trap before resuming. This is the normal verdict:
	// the offending instruction must be allowed to complete or the guest
	// stalls.
	ActionStep
)

// Handler is the single dispatch callback invoked on every memory event.
type Handler func(ev vmi.MemEvent) Action

// Controller installs, arms, disarms, and single-steps SLAT traps.
// Dispatch is driven synchronously by the event loop, which serializes
// events per vCPU; while a single-step for vCPU v is in flight no other
// event on v is delivered.
type Controller struct {
	vm  vmi.Introspector
	log *slog.Logger

	mu      sync.Mutex
	armed   map[uint64]vmi.Rights // frame base -> revoked rights
	handler Handler
}

// NewController creates a controller with no traps armed.
func NewController(vm vmi.Introspector, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{vm: vm, log: log, armed: make(map[uint64]vmi.Rights)}
}

// OnEvent registers the dispatch callback. Must be called before Dispatch.
func (c *Controller) OnEvent(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Arm revokes rights on the frame containing gpa. Idempotent per
// (frame, bit): bits already armed are not re-installed. A rejection by
// the hypervisor (frame absent from SLAT) is logged and swallowed, and the
// rejected bits are dropped from the armed set so that a later Arm of the
// frame installs them again. Arm does not retry on its own.
func (c *Controller) Arm(gpa uint64, rights vmi.Rights) {
	frame := gpa &^ uint64(types.PageSize-1)
	c.mu.Lock()
	missing := rights &^ c.armed[frame]
	if missing == 0 {
		c.mu.Unlock()
		return
	}
	c.armed[frame] |= missing
	c.mu.Unlock()

	if err := c.vm.TrapSet(frame, missing); err != nil {
		c.log.Warn("trap arm rejected", "gpa", frame, "rights", missing.String(), "err", err)
		c.mu.Lock()
		c.armed[frame] &^= missing
		if c.armed[frame] == 0 {
			delete(c.armed, frame)
		}
		c.mu.Unlock()
	}
}

// Disarm restores rights on the frame containing gpa.
func (c *Controller) Disarm(gpa uint64, rights vmi.Rights) {
	frame := gpa &^ uint64(types.PageSize-1)
	c.mu.Lock()
	present := rights & c.armed[frame]
	if present == 0 {
		c.mu.Unlock()
		return
	}
	c.armed[frame] &^= present
	if c.armed[frame] == 0 {
		delete(c.armed, frame)
	}
	c.mu.Unlock()

	if err := c.vm.TrapClear(frame, present); err != nil {
		c.log.Warn("trap disarm rejected", "gpa", frame, "rights", present.String(), "err", err)
	}
}

// Armed returns the rights currently revoked on the frame containing gpa.
func (c *Controller) Armed(gpa uint64) vmi.Rights {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed[gpa&^uint64(types.PageSize-1)]
}

// Dispatch runs the handler for one memory event and, on ActionStep,
// temporarily grants the faulting rights, steps the vCPU one instruction,
// and re-applies the trap before the guest resumes.
func (c *Controller) Dispatch(ev vmi.MemEvent) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	if h(ev) != ActionStep {
		return
	}

	frame := ev.GPA &^ uint64(types.PageSize-1)
	c.mu.Lock()
	grant := ev.Access & c.armed[frame]
	c.mu.Unlock()
	if grant == 0 {
		// handler disarmed the faulting right itself; nothing to grant
		return
	}
	if err := c.vm.TrapClear(frame, grant); err != nil {
		c.log.Warn("step: grant failed", "gpa", frame, "err", err)
		return
	}
	if err := c.vm.SingleStep(ev.VCPU); err != nil {
		c.log.Warn("step: single-step failed", "vcpu", ev.VCPU, "err", err)
	}
	if err := c.vm.TrapSet(frame, grant); err != nil {
		c.log.Warn("step: re-arm failed", "gpa", frame, "rights", grant.String(), "err", err)
		c.mu.Lock()
		c.armed[frame] &^= grant
		if c.armed[frame] == 0 {
			delete(c.armed, frame)
		}
		c.mu.Unlock()
	}
}

// DisarmAll best-effort clears every armed trap. Used at shutdown.
func (c *Controller) DisarmAll() {
	c.mu.Lock()
	armed := make(map[uint64]vmi.Rights, len(c.armed))
	for frame, rights := range c.armed {
		armed[frame] = rights
	}
	c.armed = make(map[uint64]vmi.Rights)
	c.mu.Unlock()

	for frame, rights := range armed {
		if err := c.vm.TrapClear(frame, rights); err != nil {
			c.log.Debug("disarm-all: clear failed", "gpa", frame, "err", err)
		}
	}
}
