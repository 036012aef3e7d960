// Package monitor drives the write-then-execute detection engine: a
// single-threaded event loop over the introspection stream, the per-page
// state machine that decides when a snapshot is due, and the wiring
// between the paging mirror, trap controller, classifier, VAD walker, and
// dump queue.
//
// # State machine
//
// Each (process, virtual page) carries one of four states:
//
//	CLEAN ──write──▶ WRITTEN ──exec──▶ PENDING_EXEC ──persisted──▶ DUMPED
//	  ▲                 │                                            │
//	  │                 └─── write (gen++) ─▶ WRITTEN                │
//	  └──────────────────── write (gen++) ◀──────────────────────────┘
//
//   - A write puts the page in WRITTEN, bumps its generation, and, for a
//     monitored category, arms an execute trap on the backing frame.
//   - Executing a WRITTEN page of a monitored category triggers a dump:
//     the full VAD segment map is captured and enqueued, and the page
//     moves to PENDING_EXEC.
//   - When the writer reports the job persisted, the page becomes DUMPED
//     and its execute trap is dropped, so unchanged code never re-dumps.
//   - A later write starts a fresh cycle.
//
// Spurious read observations never change state. Faults on pages the
// mirror cannot resolve are demand paging: serviced, counted, state
// untouched.
//
// # Scheduling
//
// All detection work runs synchronously inside the trap callback while
// the offending vCPU is paused. The only blocking points are the event
// wait itself and Enqueue on a full dump queue, which deliberately holds
// the guest instead of dropping data. The dump writer runs on its own
// goroutine; its completion callback re-enters the page-record map under
// the same mutex the event loop uses.
package monitor
