// Package dump persists snapshot jobs. A bounded queue decouples the
// event loop from disk: Enqueue blocks when the queue is full, which
// safely pauses the guest (the triggering vCPU is still held inside the
// trap callback) instead of dropping data. A single consumer goroutine
// writes one job at a time.
package dump

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ja7ad/vmidump/pkg/types"
	"github.com/ja7ad/vmidump/pkg/vad"
)

// DefaultDepth is the queue bound used when the config does not say.
const DefaultDepth = 16

// Job is one snapshot event: the full segment map captured at a
// write-then-execute trigger. Ownership of the segments and their buffers
// transfers to the queue at Enqueue; the producer must not retain aliases.
type Job struct {
	Seq      uint64
	PID      uint32
	RIP      types.Addr
	Trigger  types.Addr
	Segments []vad.Segment
}

// mapEntry is one per-segment record of the side-car map file.
type mapEntry struct {
	Offset      uint64 `json:"offset"`
	VirtualBase uint64 `json:"virtual_base"`
	Size        uint64 `json:"size"`
	Protection  string `json:"protection"`
	VadType     string `json:"vadtype"`
	IsPrivate   bool   `json:"isprivate"`
	Filename    string `json:"filename,omitempty"`
	RIP         uint64 `json:"rip"`
}

// Queue is the bounded producer/consumer handoff plus the writer.
type Queue struct {
	dir string
	log *slog.Logger

	ch     chan *Job
	wg     sync.WaitGroup
	onDone func(*Job)

	mu     sync.Mutex
	closed bool
}

// NewQueue creates the output directory and the queue. depth <= 0 selects
// DefaultDepth. Start must be called before the first Enqueue.
func NewQueue(dir string, depth int, log *slog.Logger) (*Queue, error) {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dump: create output dir: %w", err)
	}
	return &Queue{dir: dir, log: log, ch: make(chan *Job, depth)}, nil
}

// OnPersisted registers a callback invoked by the consumer after each job
// is written (or definitively failed). Must be set before Start.
func (q *Queue) OnPersisted(fn func(*Job)) { q.onDone = fn }

// Start launches the consumer goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for j := range q.ch {
			if err := q.persist(j); err != nil {
				q.log.Error("dump write failed", "seq", j.Seq, "pid", j.PID, "err", err)
			}
			if q.onDone != nil {
				q.onDone(j)
			}
		}
	}()
}

// Enqueue hands a job to the writer, blocking while the queue is full.
func (q *Queue) Enqueue(j *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()
	q.ch <- j
	return nil
}

// Close stops intake, drains the queue, and waits for the writer.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.ch)
	q.wg.Wait()
}

// persist writes <seq>.<pid>.dump with the concatenated segment bytes
// and, for multi-segment jobs, <seq>.<pid>.map describing each segment's
// place in the concatenation.
func (q *Queue) persist(j *Job) error {
	base := fmt.Sprintf("%04d.%d", j.Seq, j.PID)

	var total int
	for i := range j.Segments {
		total += len(j.Segments[i].Data)
	}
	blob := make([]byte, 0, total)
	entries := make([]mapEntry, 0, len(j.Segments))
	offset := uint64(0)
	for i := range j.Segments {
		seg := &j.Segments[i]
		blob = append(blob, seg.Data...)
		entries = append(entries, mapEntry{
			Offset:      offset,
			VirtualBase: uint64(seg.Base),
			Size:        uint64(len(seg.Data)),
			Protection:  vad.ProtString(seg.Protection),
			VadType:     seg.Type.String(),
			IsPrivate:   seg.Private,
			Filename:    seg.Filename,
			RIP:         uint64(j.RIP),
		})
		offset += uint64(len(seg.Data))
	}

	dumpPath := filepath.Join(q.dir, base+".dump")
	if err := os.WriteFile(dumpPath, blob, 0o644); err != nil {
		return err
	}
	q.log.Info("dump written",
		"seq", j.Seq, "pid", j.PID, "rip", j.RIP,
		"segments", len(entries), "bytes", types.ToBytes(uint64(len(blob))).Humanized())

	if len(j.Segments) <= 1 {
		return nil
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(q.dir, base+".map"), append(b, '\n'), 0o644)
}
