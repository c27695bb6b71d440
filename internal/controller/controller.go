// Package controller owns the tracing collector's lifecycle: it wires the
// Address Map, Staging Ring, Packet Decoder, Output Writer and Acquisition
// goroutine together per internal/config.Config, exposes the emulator-side
// hook methods the (out-of-scope) CPU emulator calls into, and tears the
// pipeline down cleanly on Shutdown.
//
// It replaces the original's process-wide module globals (current-IP,
// static file handles, boolean flags scattered across config.c,
// recording.c and parser.c) with one explicit value created by New and
// destroyed by Shutdown, the way the teacher's yncp.Director and
// coordinator.Coordinator own their own lifecycle instead of relying on
// package state.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iptcol/iptcol/internal/acquisition"
	"github.com/iptcol/iptcol/internal/addrmap"
	"github.com/iptcol/iptcol/internal/config"
	"github.com/iptcol/iptcol/internal/cpuset"
	"github.com/iptcol/iptcol/internal/decoder"
	"github.com/iptcol/iptcol/internal/outputwriter"
	"github.com/iptcol/iptcol/internal/simpletrace"
	"github.com/iptcol/iptcol/internal/stagingring"
)

// ErrConflictingModes is returned by New when cfg selects both the raw
// sidecar path and the internal decode pipeline: parser.c's
// init_internal_parsing refuses to start in that situation because both
// paths would need to own the acquisition goroutine's drain loop at once.
var ErrConflictingModes = errors.New("controller: raw sidecar recording and internal decoding are mutually exclusive")

// hwAcquisition is the subset of *acquisition.Acquisition the Controller
// depends on. It exists so tests can substitute a fake that does not
// require perf_event_open/mmap access; production code always gets the real
// thing via openAcquisition.
type hwAcquisition interface {
	Ready() <-chan struct{}
	Reading() bool
	Enable() error
	Disable() error
	Run(ctx context.Context, sink acquisition.Sink) error
	Close() error
}

// openAcquisition is a seam for tests; production builds never override it.
var openAcquisition = func(log *zap.SugaredLogger, cpus cpuset.Set) (hwAcquisition, error) {
	return acquisition.Open(log, cpus)
}

// Controller owns the collector pipeline for one recording session.
type Controller struct {
	log *zap.SugaredLogger
	cfg config.Config

	acqCPUs      cpuset.Set
	emulatorCPUs cpuset.Set

	addrMap *addrmap.Map
	ring    *stagingring.Ring
	writer  *outputwriter.Writer
	acq     hwAcquisition

	mappingFileRequest string
	simpleTraceRequest string

	mappingFile  *os.File
	rawFile      *os.File
	simpleTracer *simpletrace.Tracer

	cancel context.CancelFunc
	group  *errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

// Option customizes Controller construction.
type Option func(*Controller)

// WithLog installs a logger every component's diagnostics are routed
// through. Without this option, nothing is logged.
func WithLog(log *zap.SugaredLogger) Option {
	return func(c *Controller) { c.log = log }
}

// WithCPUs assigns the disjoint CPU subsets the acquisition goroutine and
// the emulator's own goroutines are pinned to (§4.C(4)). The zero value of
// either Set lets the scheduler pick freely.
func WithCPUs(acquisitionCPUs, emulatorCPUs cpuset.Set) Option {
	return func(c *Controller) {
		c.acqCPUs = acquisitionCPUs
		c.emulatorCPUs = emulatorCPUs
	}
}

// WithMappingFile opens a companion file that RecordMapping writes
// "%X, %X\n" guestPC/hostIP+offset pairs to, matching mapping.c's
// record_mapping. It is independent of cfg.InternalDecode: the mapping file
// and the decoded trace file are two different artifacts with two
// different formats, so this must name a path distinct from
// cfg.OutputTracePath or the two writers would corrupt each other.
func WithMappingFile(path string) Option {
	return func(c *Controller) { c.mappingFileRequest = path }
}

// WithSimpleTraceFile enables the bypass-hardware-tracing "simple" tracer
// (trace/guest_pc.c): TraceGuestPC then writes straight to this file
// instead of relying on the Intel PT pipeline, and EnableDirectChaining
// reports false for as long as it is installed.
func WithSimpleTraceFile(path string) Option {
	return func(c *Controller) { c.simpleTraceRequest = path }
}

// New validates cfg, opens whatever files and goroutines cfg.InternalDecode
// / cfg.RecordRawTrace require, and returns a Controller ready to receive
// emulator hook calls. Workers and the acquisition goroutine are already
// running when New returns; StartRecording still gates the hardware
// counter itself.
func New(cfg config.Config, opts ...Option) (*Controller, error) {
	if cfg.RecordRawTrace && cfg.InternalDecode {
		return nil, ErrConflictingModes
	}

	c := &Controller{
		cfg: cfg,
		log: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.acqCPUs.IsEmpty() {
		// WithCPUs was not used: run unrestricted rather than pin to an
		// empty affinity mask, which sched_setaffinity would reject.
		c.acqCPUs = cpuset.Max
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.group = group

	if c.mappingFileRequest != "" {
		f, err := os.OpenFile(c.mappingFileRequest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("controller: open mapping file: %w", err)
		}
		c.mappingFile = f
	}

	if c.simpleTraceRequest != "" {
		tr, err := simpletrace.Open(c.simpleTraceRequest)
		if err != nil {
			cancel()
			c.closeOpenedFiles()
			return nil, fmt.Errorf("controller: open simple trace file: %w", err)
		}
		c.simpleTracer = tr
	}

	var sink acquisition.Sink

	if cfg.RecordRawTrace {
		f, err := os.OpenFile(cfg.RawTracePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			cancel()
			c.closeOpenedFiles()
			return nil, fmt.Errorf("controller: open raw trace file: %w", err)
		}
		c.rawFile = f
		sink.RawFile = f
	}

	if cfg.InternalDecode {
		c.addrMap = addrmap.New()
		c.ring = stagingring.New(int(cfg.RingCapacity))

		w, err := outputwriter.Open(cfg.OutputTracePath)
		if err != nil {
			cancel()
			c.closeOpenedFiles()
			return nil, fmt.Errorf("controller: open output trace file: %w", err)
		}
		c.writer = w
		sink.Ring = c.ring
	}

	if cfg.RecordRawTrace || cfg.InternalDecode {
		acq, err := openAcquisition(c.log, c.acqCPUs)
		if err != nil {
			cancel()
			c.closeOpenedFiles()
			return nil, fmt.Errorf("controller: open acquisition: %w", err)
		}
		c.acq = acq

		group.Go(func() error {
			return acq.Run(groupCtx, sink)
		})
		select {
		case <-acq.Ready():
		case <-groupCtx.Done():
			// Run failed before signalling ready (e.g. the CPU pin).
			err := group.Wait()
			cancel()
			acq.Close()
			c.closeOpenedFiles()
			return nil, fmt.Errorf("controller: start acquisition: %w", err)
		}
	}

	if cfg.InternalDecode {
		for i := 0; i < cfg.WorkerCount; i++ {
			group.Go(c.workerLoop)
		}
	}

	c.log.Infow("collector pipeline started",
		zap.Bool("internal_decode", cfg.InternalDecode),
		zap.Bool("record_raw_trace", cfg.RecordRawTrace),
		zap.Int("workers", cfg.WorkerCount),
	)

	return c, nil
}

// EmulatorCPUs returns the CPU subset the emulator's own goroutines should
// be pinned to, disjoint from the acquisition goroutine's subset (§4.C(4)).
// The Controller itself does not pin anything to it; it is the emulator's
// job to apply it to its own threads.
func (c *Controller) EmulatorCPUs() cpuset.Set { return c.emulatorCPUs }

func (c *Controller) closeOpenedFiles() {
	if c.mappingFile != nil {
		c.mappingFile.Close()
	}
	if c.rawFile != nil {
		c.rawFile.Close()
	}
	if c.writer != nil {
		c.writer.Close()
	}
	if c.simpleTracer != nil {
		c.simpleTracer.Close()
	}
}

// workerLoop is one decoder worker: pull a job from the Staging Ring,
// decode it, hand it to the Output Writer, repeat until NextJob reports
// end-of-stream.
func (c *Controller) workerLoop() error {
	buf := make([]byte, c.cfg.JobSize+c.cfg.Preamble)

	for {
		n, job := c.ring.NextJob(buf, c.cfg.JobSize, c.cfg.Preamble)
		if n == 0 {
			return nil
		}

		djob := decoder.NewJob(job.StartOffset, job.EndOffset)
		decoder.DecodeJob(buf[:n], djob, c.addrMap)

		if err := c.writer.Submit(djob); err != nil {
			return fmt.Errorf("controller: submit job: %w", err)
		}
	}
}

// StartRecording waits out the acquisition goroutine's reading flag, then
// enables the hardware counter. It is a no-op when neither pipeline is
// active.
func (c *Controller) StartRecording() error {
	if c.acq == nil {
		return nil
	}
	for c.acq.Reading() {
		runtime.Gosched()
	}
	if err := c.acq.Enable(); err != nil {
		return fmt.Errorf("controller: enable perf counter: %w", err)
	}
	return nil
}

// StopRecording waits out the acquisition goroutine's reading flag, then
// disables the hardware counter. It is a no-op when neither pipeline is
// active.
func (c *Controller) StopRecording() error {
	if c.acq == nil {
		return nil
	}
	for c.acq.Reading() {
		runtime.Gosched()
	}
	if err := c.acq.Disable(); err != nil {
		return fmt.Errorf("controller: disable perf counter: %w", err)
	}
	return nil
}

// TraceGuestPC is the emulator's per-block hook for the simple, bypass-
// hardware-tracing path. It is a no-op unless WithSimpleTraceFile was used.
func (c *Controller) TraceGuestPC(pc uint64) error {
	if c.simpleTracer == nil {
		return nil
	}
	return c.simpleTracer.TraceBasicBlock(pc)
}

// RecordMapping is the emulator's translation-time hook: hostIP is the
// native address a freshly translated block begins at, guestPC the
// corresponding emulated program counter.
//
// Per mapping.c's record_mapping and record_parser_mapping: when internal
// decoding is active, the pair feeds the Address Map the decoder workers
// consult; independently, if a mapping file was requested, the pair is
// also appended there with cfg.MappingOffset added to the host address (the
// majority later-variant direction documented in SPEC_FULL.md §3.1).
func (c *Controller) RecordMapping(hostIP, guestPC uint64) error {
	if c.addrMap != nil {
		c.addrMap.Insert(hostIP, guestPC)
	}

	if c.mappingFile != nil {
		hostWithOffset := hostIP + uint64(c.cfg.MappingOffset)
		if _, err := fmt.Fprintf(c.mappingFile, "%X, %X\n", guestPC, hostWithOffset); err != nil {
			return fmt.Errorf("controller: write mapping file: %w", err)
		}
	}

	return nil
}

// SimpleTracing reports whether the bypass-hardware-tracing path is active.
func (c *Controller) SimpleTracing() bool { return c.simpleTracer != nil }

// EnableDirectChaining reports whether the emulator may chain translated
// blocks directly. guest_pc.c forces this false while the simple tracer is
// active, since direct chaining would skip the per-block hook it relies on.
func (c *Controller) EnableDirectChaining() bool { return c.simpleTracer == nil }

// InsertJMXAtBlockStart reports whether the jmx-jump instrumentation blob
// should be spliced into each translated block's prologue.
func (c *Controller) InsertJMXAtBlockStart() bool { return c.cfg.InsertJMX }

// InsertPTWrite reports whether PTWRITE instrumentation is enabled.
func (c *Controller) InsertPTWrite() bool { return c.cfg.InsertPTWrite }

// InsertChainCountCheck reports whether the chain-count instrumentation
// blob should be spliced in.
func (c *Controller) InsertChainCountCheck() bool { return c.cfg.UseChainCount }

// Exit is the emulator-side alias for a full, context-free shutdown.
func (c *Controller) Exit() error {
	return c.Shutdown(context.Background())
}

// Shutdown stops the acquisition goroutine, signals end-of-stream to the
// Staging Ring, waits for every worker to drain, and closes every open
// file. It is idempotent (§8 property 6): a second call observes the
// cached result of the first and performs no teardown work again.
func (c *Controller) Shutdown(_ context.Context) error {
	c.closeOnce.Do(func() {
		c.cancel()

		if c.ring != nil {
			c.ring.SignalEndOfStream()
		}

		err := c.group.Wait()

		if c.writer != nil {
			if werr := c.writer.Close(); err == nil {
				err = werr
			}
		}
		if c.mappingFile != nil {
			if merr := c.mappingFile.Close(); err == nil {
				err = merr
			}
		}
		if c.rawFile != nil {
			if rerr := c.rawFile.Close(); err == nil {
				err = rerr
			}
		}
		if c.simpleTracer != nil {
			if serr := c.simpleTracer.Close(); err == nil {
				err = serr
			}
		}
		if c.acq != nil {
			if aerr := c.acq.Close(); err == nil {
				err = aerr
			}
		}

		c.closeErr = err
	})

	if c.closeErr != nil {
		c.log.Errorw("collector pipeline shutdown finished with errors", zap.Error(c.closeErr))
	} else {
		c.log.Infow("collector pipeline shut down cleanly")
	}

	return c.closeErr
}
