// Command fantest hands the fan to an operator for a few minutes: it stops the
// controller service, steps the fan through every speed and restarts the
// service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guptarohit/asciigraph"

	"pifancontrol/internal/config"
	"pifancontrol/internal/diagnostic"
	"pifancontrol/internal/fancontrol"
	"pifancontrol/internal/lockfile"
	"pifancontrol/internal/logger"
	"pifancontrol/internal/systemd"
)

type options struct {
	service  string
	cycles   int
	step     time.Duration
	logFile  string
	lockFile string
	pin      int
	freqHz   int
}

func parseFlags(args []string, baseDir string) (options, error) {
	var o options
	fs := flag.NewFlagSet("fantest", flag.ContinueOnError)
	fs.StringVar(&o.service, "service", systemd.DefaultUnit, "Controller systemd unit")
	fs.IntVar(&o.cycles, "cycles", diagnostic.DefaultCycles, "Number of passes through the duty table")
	fs.DurationVar(&o.step, "step", diagnostic.DefaultStep, "Time spent at each fan speed")
	fs.StringVar(&o.logFile, "log-file", filepath.Join(baseDir, "..", "logs", "fan_test.log"), "Test log file (truncated on every run)")
	fs.StringVar(&o.lockFile, "lock-file", config.Default(filepath.Join(baseDir, "..")).LockFile, "Controller lock file")
	fs.IntVar(&o.pin, "pin", fancontrol.DefaultPin, "Fan PWM pin (BCM)")
	fs.IntVar(&o.freqHz, "freq", fancontrol.DefaultFrequencyHz, "PWM frequency in Hz")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.cycles <= 0 {
		return options{}, fmt.Errorf("cycles must be positive, got %d", o.cycles)
	}
	if o.step <= 0 {
		return options{}, fmt.Errorf("step must be positive, got %s", o.step)
	}
	return o, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	os.Exit(runTest(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func runTest(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	dir, err := config.ExecutableDir()
	if err != nil {
		fmt.Fprintf(stderr, "locate executable: %v\n", err)
		return 1
	}
	opts, err := parseFlags(args, dir)
	if err != nil {
		fmt.Fprintf(stderr, "fantest: %v\n", err)
		return 1
	}

	log, logFile, err := logger.Open(opts.logFile, "info", true)
	if err != nil {
		fmt.Fprintf(stderr, "[ERROR] %v\n", err)
		return 1
	}
	defer logFile.Close()

	backend, model, err := fancontrol.DetectBackend()
	if err != nil {
		log.Warn().Err(err).Str("backend", backend.String()).Msg("Could not read board model, using default backend")
	} else {
		log.Info().Str("model", model).Str("backend", backend.String()).Msg("Detected board")
	}
	driver, err := fancontrol.NewDriver(backend, opts.pin, opts.freqHz)
	if err != nil {
		log.Error().Err(err).Msg("Invalid fan output settings")
		fmt.Fprintf(stderr, "[ERROR] %v\n", err)
		return 1
	}

	s := &diagnostic.Session{
		Service: systemd.NewUnit(opts.service),
		Driver:  driver,
		AcquireLock: func() (func() error, error) {
			l, err := lockfile.Acquire(opts.lockFile)
			if err != nil {
				return nil, err
			}
			return l.Unlock, nil
		},
		Log:     log,
		Console: stdout,
		Cycles:  opts.cycles,
		Step:    opts.step,
	}

	applied, err := s.Run(ctx)
	if len(applied) > 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, plotDuties(applied))
	}
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	default:
		fmt.Fprintf(stderr, "[ERROR] %v\n", err)
		return 1
	}
}

// plotDuties draws the applied duty levels, one column per step.
func plotDuties(applied []fancontrol.DutyCycle) string {
	data := make([]float64, len(applied))
	for i, d := range applied {
		data[i] = float64(d)
	}
	return asciigraph.Plot(data,
		asciigraph.Height(10),
		asciigraph.LowerBound(0),
		asciigraph.UpperBound(100),
		asciigraph.Caption("fan duty %"))
}
