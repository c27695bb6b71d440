// Package outputwriter serializes decoded jobs into the trace output file in
// stream order, even though decoder workers finish jobs out of order.
//
// It is a direct port of parser/output-writer.c's pending-job queue, with
// the original's single recursive drain turned into an iterative loop (see
// SPEC_FULL.md §9).
package outputwriter

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/iptcol/iptcol/internal/decoder"
)

// ErrPendingJobsOnClose is returned by Close when jobs remain queued that
// were never written -- a gap in the offset sequence that should never
// happen and indicates a bug in how jobs were submitted.
var ErrPendingJobsOnClose = errors.New("outputwriter: jobs still pending at close")

// Writer accumulates completed decoder jobs and writes their traces to a
// file in StartOffset order, queuing any job that arrives before its
// predecessor.
type Writer struct {
	mu sync.Mutex

	file        *os.File
	pending     map[uint64]*decoder.Job // keyed by StartOffset
	minTracePos uint64
}

// Open creates (or truncates) path and returns a Writer ready to accept
// jobs starting at stream offset 0.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("outputwriter: open %q: %w", path, err)
	}

	return &Writer{
		file:    f,
		pending: make(map[uint64]*decoder.Job),
	}, nil
}

// Submit records job's trace. If job.StartOffset is the next expected
// offset it (and any now-contiguous queued jobs) is written immediately;
// otherwise it is queued until its predecessor arrives.
func (w *Writer) Submit(job *decoder.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if job.StartOffset != w.minTracePos {
		w.pending[job.StartOffset] = job
		return nil
	}

	if err := w.writeLocked(job); err != nil {
		return err
	}

	// Iteratively drain any jobs that have become writable, rather than
	// recursing into writeLocked for each one.
	for {
		next, ok := w.pending[w.minTracePos]
		if !ok {
			return nil
		}

		delete(w.pending, w.minTracePos)
		if err := w.writeLocked(next); err != nil {
			return err
		}
	}
}

// writeLocked appends job's trace to the file and advances minTracePos.
// Must be called with mu held.
func (w *Writer) writeLocked(job *decoder.Job) error {
	for _, pc := range job.Trace {
		// %lX in the original: uppercase hex, no leading zeros.
		if _, err := fmt.Fprintf(w.file, "%X\n", pc); err != nil {
			return fmt.Errorf("outputwriter: write: %w", err)
		}
	}

	w.minTracePos = job.EndOffset
	return nil
}

// Close requires that every submitted job has been written; a non-empty
// pending set means some job's predecessor never arrived, which is a bug
// in the caller's offset bookkeeping rather than something Close can
// recover from.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) != 0 {
		return fmt.Errorf("%w: %d jobs", ErrPendingJobsOnClose, len(w.pending))
	}

	return w.file.Close()
}
