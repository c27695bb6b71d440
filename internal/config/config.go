// Package config parses the collector's single comma-separated flag group
// (modeled on QEMU's -device style options, ported from arguments.c's
// QemuOptsList) into a process-wide Config.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"

	"github.com/iptcol/iptcol/internal/instrumentation"
)

// Defaults for the fields FromFlags does not parse from CLI sub-options:
// the original hardcodes these as JOB_SIZE/PREAMBLE_SIZE macros and a fixed
// worker count rather than exposing them as QemuOpts.
const (
	// DefaultRingCapacity sizes the Staging Ring large enough to absorb a
	// full aux-ring drain between worker pulls without stalling the
	// acquisition goroutine under normal load.
	DefaultRingCapacity = 16 * datasize.MB

	// DefaultJobSize and DefaultPreamble match the worker loop's
	// next_job(buf, JOB_SIZE=65536, PREAMBLE=4096) call in the original.
	DefaultJobSize  = 65536
	DefaultPreamble = 4096

	// DefaultWorkerCount is within the spec's documented N=2-6 range.
	DefaultWorkerCount = 4
)

// ErrUnknownBoolValue is returned when a boolean sub-option's value is
// neither "true" nor "false" (arguments.c's parse_true_false ERR_OPT case).
var ErrUnknownBoolValue = errors.New("config: bool sub-option value must be \"true\" or \"false\"")

// ErrNoSubOptions is returned when FromFlags is given an empty option group.
var ErrNoSubOptions = errors.New("config: empty intel-pt option group")

// Config is the process-wide, read-only-after-startup configuration for the
// tracing collector.
type Config struct {
	// RecordRawTrace, when set, writes the raw Intel PT byte stream to a
	// sidecar file instead of decoding it in-process.
	RecordRawTrace bool
	RawTracePath   string

	// InternalDecode, when set, runs the Staging Ring / Decoder / Output
	// Writer pipeline against the live aux ring.
	InternalDecode  bool
	MappingPath     string
	OutputTracePath string

	InsertJMX     bool
	UseChainCount bool
	InsertPTWrite bool
	MappingOffset int64

	// RingCapacity, JobSize, WorkerCount and Preamble are not CLI-settable
	// (the original hardcodes their equivalents); FromFlags seeds them with
	// the package defaults, and callers embedding Config in a larger program
	// are free to override them before passing it to controller.New.
	RingCapacity datasize.ByteSize
	JobSize      int
	Preamble     int
	WorkerCount  int

	LogLevel zapcore.Level
}

// FromFlags parses a single comma-separated sub-option group, e.g.
// "mapping=/tmp/map.bin,intel-pt-data=/tmp/raw.bin,insert-jmx=true".
//
// Recognized keys: mapping, intel-pt-data, insert-jmx, use-chain-count,
// insert-pt-write. Unknown keys are rejected.
func FromFlags(group string) (Config, error) {
	if strings.TrimSpace(group) == "" {
		return Config{}, ErrNoSubOptions
	}

	cfg := Config{
		LogLevel:     zapcore.InfoLevel,
		RingCapacity: DefaultRingCapacity,
		JobSize:      DefaultJobSize,
		Preamble:     DefaultPreamble,
		WorkerCount:  DefaultWorkerCount,
	}

	for _, field := range strings.Split(group, ",") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return Config{}, fmt.Errorf("config: sub-option %q missing '='", field)
		}

		switch key {
		case "mapping":
			// Selects the internal decode pipeline (Staging Ring + Decoder
			// + Output Writer) and names the decoded-trace output file.
			cfg.InternalDecode = true
			cfg.MappingPath = value
			cfg.OutputTracePath = value
		case "intel-pt-data":
			cfg.RecordRawTrace = true
			cfg.RawTracePath = value
		case "insert-jmx":
			enabled, err := parseBool(value)
			if err != nil {
				return Config{}, err
			}
			cfg.InsertJMX = enabled
			if enabled {
				// jmx-jump.c: enabling the inserted jump shifts the
				// mapped address seven bytes ahead of the block start.
				cfg.MappingOffset = instrumentation.JMXMappingOffset
			}
		case "use-chain-count":
			enabled, err := parseBool(value)
			if err != nil {
				return Config{}, err
			}
			cfg.UseChainCount = enabled
		case "insert-pt-write":
			enabled, err := parseBool(value)
			if err != nil {
				return Config{}, err
			}
			cfg.InsertPTWrite = enabled
		default:
			return Config{}, fmt.Errorf("config: unknown intel-pt sub-option %q", key)
		}
	}

	// Raw sidecar recording and internal decoding are mutually exclusive
	// (parser.c's init_internal_parsing refuses to start otherwise), but
	// that check is controller.New's job: it is the component that would
	// actually have to run both pipelines at once.

	return cfg, nil
}

func parseBool(value string) (bool, error) {
	switch value {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: got %q", ErrUnknownBoolValue, value)
	}
}
