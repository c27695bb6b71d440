// Package acquisition runs the goroutine that drains the kernel's Intel PT
// aux ring buffer and forwards the raw bytes either to a raw sidecar file
// or into the Staging Ring for in-process decoding.
//
// It is a direct port of recording.c's trace_thread_proc and its two
// consumer variants (record_pt_data_to_trace_file /
// record_pt_data_to_internal_memory), using golang.org/x/sys/unix instead of
// the original's raw syscall(2)/mmap(2) calls, the same way
// other_examples' perf-ring reader wraps perf_event_open.
package acquisition

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/iptcol/iptcol/internal/cpuset"
	"github.com/iptcol/iptcol/internal/stagingring"
)

const (
	sysfsIntelPTType = "/sys/bus/event_source/devices/intel_pt/type"

	nrDataPages = 256
	nrAuxPages  = 1024

	// perf_event_attr.config: bit 13 set disables return compression.
	perfConfigNoRetComp = 0x2001

	// precise_ip occupies a 2-bit field starting at bit 15 of the packed
	// perf_event_attr flags word; x/sys/unix does not expose a named
	// constant for this sub-field, unlike the single-bit flags below.
	preciseIPShift = 15
	preciseIPValue = 2
)

// Sink receives raw Intel PT bytes as the acquisition goroutine drains the
// aux ring. Exactly one of RawFile or Ring is installed by the Controller,
// matching controller.New's mutual exclusion between raw-sidecar and
// internal-decode modes.
type Sink struct {
	RawFile *os.File
	Ring    *stagingring.Ring
}

func (s Sink) write(data []byte) {
	switch {
	case s.RawFile != nil:
		s.RawFile.Write(data)
	case s.Ring != nil:
		s.Ring.Push(data)
	}
}

// Acquisition owns the perf_event fd, the mmap'd data and aux regions, and
// the steady-state draining loop.
type Acquisition struct {
	log *zap.SugaredLogger

	fd     int
	header *unix.PerfEventMmapPage
	base   []byte
	aux    []byte
	cpus   cpuset.Set

	reading atomic.Bool
	ready   chan struct{}
}

// Open configures and opens a new Intel PT perf event for the current
// process across all CPUs. The counter is opened disabled and stays so
// until Enable is called. The affinity pin to acquisitionCPUs is applied by Run,
// not here: Open runs on whatever goroutine calls controller.New, while the
// CPU mask must stick to the goroutine that actually drains the aux ring.
func Open(log *zap.SugaredLogger, acquisitionCPUs cpuset.Set) (*Acquisition, error) {
	typ, err := readPerfType()
	if err != nil {
		return nil, fmt.Errorf("acquisition: read perf type: %w", err)
	}

	attr := &unix.PerfEventAttr{
		Type:   uint32(typ),
		Config: perfConfigNoRetComp,
		Bits: unix.PerfBitDisabled |
			unix.PerfBitExcludeKernel |
			unix.PerfBitExcludeHv |
			(preciseIPValue << preciseIPShift),
	}
	attr.Size = uint32(unsafe.Sizeof(*attr))

	fd, err := unix.PerfEventOpen(attr, -1, -1, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("acquisition: perf_event_open: %w", err)
	}

	pageSize := os.Getpagesize()
	base, err := unix.Mmap(fd, 0, (nrDataPages+1)*pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acquisition: mmap data area: %w", err)
	}

	header := (*unix.PerfEventMmapPage)(unsafe.Pointer(&base[0]))
	header.Aux_offset = header.Data_offset + header.Data_size
	header.Aux_size = uint64(nrAuxPages * pageSize)

	aux, err := unix.Mmap(fd, int64(header.Aux_offset), int(header.Aux_size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(base)
		unix.Close(fd)
		return nil, fmt.Errorf("acquisition: mmap aux area: %w", err)
	}

	return &Acquisition{
		log:    log,
		fd:     fd,
		header: header,
		base:   base,
		aux:    aux,
		cpus:   acquisitionCPUs,
		ready:  make(chan struct{}),
	}, nil
}

// Enable issues PERF_EVENT_IOC_ENABLE.
func (a *Acquisition) Enable() error {
	return unix.IoctlSetInt(a.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

// Disable issues PERF_EVENT_IOC_DISABLE.
func (a *Acquisition) Disable() error {
	return unix.IoctlSetInt(a.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

// Ready returns a channel closed once Run has started draining, i.e. once
// the mmap regions are in effect and the drain goroutine has pinned itself
// per §4.C(4). The Controller must not let the emulator proceed until this
// closes.
func (a *Acquisition) Ready() <-chan struct{} {
	return a.ready
}

// Reading reports whether the drain loop is mid-copy; StartRecording and
// StopRecording spin on this before toggling the counter, mirroring
// recording.c's wait_for_pt_thread.
func (a *Acquisition) Reading() bool {
	return a.reading.Load()
}

// Run drains the aux ring into sink until ctx is canceled, then performs one
// final drain and returns. It locks itself to its OS thread and pins that
// thread to the acquisition CPU set before signalling ready, since
// sched_setaffinity applies to whichever OS thread is current when it is
// called (§4.C(4)): Open cannot do this on the caller's behalf because it
// runs on a different goroutine than the one that ends up draining.
func (a *Acquisition) Run(ctx context.Context, sink Sink) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := a.cpus.Pin(); err != nil {
		return fmt.Errorf("acquisition: pin cpu affinity: %w", err)
	}

	close(a.ready)

	var lastHead uint64
	auxSize := a.header.Aux_size
	buf := a.aux

	for {
		select {
		case <-ctx.Done():
			a.drainOnce(buf, auxSize, &lastHead, sink)
			return nil
		default:
		}

		head := atomic.LoadUint64(&a.header.Aux_head)
		if head == lastHead {
			continue
		}

		if sink.Ring != nil {
			sink.Ring.WaitForHeadroom(int(auxSize))
		}

		a.drainOnce(buf, auxSize, &lastHead, sink)
	}
}

func (a *Acquisition) drainOnce(buf []byte, auxSize uint64, lastHead *uint64, sink Sink) {
	head := atomic.LoadUint64(&a.header.Aux_head)
	if head == *lastHead {
		return
	}

	a.reading.Store(true)
	defer a.reading.Store(false)

	wrappedHead := head % auxSize
	wrappedTail := *lastHead % auxSize

	if wrappedHead > wrappedTail {
		sink.write(buf[wrappedTail:wrappedHead])
	} else {
		sink.write(buf[wrappedTail:])
		sink.write(buf[:wrappedHead])
	}

	*lastHead = head

	// Publish the new tail: read the current value with an atomic load,
	// then CAS it to head, retrying if it changed in between.
	for {
		old := atomic.LoadUint64(&a.header.Aux_tail)
		if atomic.CompareAndSwapUint64(&a.header.Aux_tail, old, head) {
			break
		}
	}
}

// Close unmaps the aux and data regions and closes the perf fd.
func (a *Acquisition) Close() error {
	var errs []error
	if err := unix.Munmap(a.aux); err != nil {
		errs = append(errs, err)
	}
	if err := unix.Munmap(a.base); err != nil {
		errs = append(errs, err)
	}
	if err := unix.Close(a.fd); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("acquisition: close: %v", errs)
	}
	return nil
}

func readPerfType() (int, error) {
	data, err := os.ReadFile(sysfsIntelPTType)
	if err != nil {
		return 0, fmt.Errorf("intel_pt type descriptor unavailable: %w", err)
	}

	typ, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("intel_pt type descriptor malformed: %w", err)
	}

	return typ, nil
}
