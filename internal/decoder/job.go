package decoder

// traceStartCapacity mirrors the original's TRACE_START_LENGTH: a generous
// starting allocation so a typical job never needs to grow Trace.
const traceStartCapacity = 20000

// Job is the unit of decoding work handed to a single worker goroutine: a
// byte range of the conceptual trace stream, and the guest PCs discovered
// within it.
type Job struct {
	StartOffset uint64
	EndOffset   uint64
	Trace       []uint64
}

// NewJob creates a Job covering [start, end) with a pre-sized Trace slice.
func NewJob(start, end uint64) *Job {
	return &Job{
		StartOffset: start,
		EndOffset:   end,
		Trace:       make([]uint64, 0, traceStartCapacity),
	}
}
