// Command ptcol is the tracing collector's entry point: it parses the
// single comma-separated `--intel-pt` flag group, builds a Controller
// around it, and runs until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/iptcol/iptcol/common/go/logging"
	"github.com/iptcol/iptcol/common/go/xcmd"
	"github.com/iptcol/iptcol/internal/config"
	"github.com/iptcol/iptcol/internal/controller"
)

// Cmd is the command line arguments.
type Cmd struct {
	IntelPT     string
	MappingFile string
	SimpleTrace string
}

var cmd Cmd

var rootCmd = &cobra.Command{
	Use:   "ptcol",
	Short: "In-process Intel PT tracing collector",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return
			}

			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVar(&cmd.IntelPT, "intel-pt", "",
		"mapping=<file>,intel-pt-data=<file>,insert-jmx={true|false},use-chain-count={true|false},insert-pt-write={true|false} (required)")
	rootCmd.MarkFlagRequired("intel-pt")

	rootCmd.Flags().StringVar(&cmd.MappingFile, "mapping-file", "",
		"optional path for the guestPC/hostIP address-pair mapping file, independent of --intel-pt's mapping=<file>")
	rootCmd.Flags().StringVar(&cmd.SimpleTrace, "simple-trace", "",
		"optional path for the bypass-hardware-tracing simple tracer's guest PC stream")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	log, _, err := logging.Init(&logging.Config{Level: zapcore.InfoLevel})
	if err != nil {
		return fmt.Errorf("ptcol: init logging: %w", err)
	}
	defer log.Sync()

	cfg, err := config.FromFlags(cmd.IntelPT)
	if err != nil {
		return fmt.Errorf("ptcol: parse --intel-pt: %w", err)
	}

	var opts []controller.Option
	opts = append(opts, controller.WithLog(log))
	if cmd.MappingFile != "" {
		opts = append(opts, controller.WithMappingFile(cmd.MappingFile))
	}
	if cmd.SimpleTrace != "" {
		opts = append(opts, controller.WithSimpleTraceFile(cmd.SimpleTrace))
	}

	c, err := controller.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("ptcol: start controller: %w", err)
	}

	if err := c.StartRecording(); err != nil {
		c.Shutdown(context.Background())
		return fmt.Errorf("ptcol: start recording: %w", err)
	}

	ctx := context.Background()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal, shutting down", "err", err)
		return err
	})

	waitErr := group.Wait()

	if err := c.StopRecording(); err != nil {
		log.Errorw("stop recording failed during shutdown", "err", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("ptcol: shutdown: %w", err)
	}

	return waitErr
}
