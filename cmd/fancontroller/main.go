package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/rs/zerolog"

	"pifancontrol/internal/config"
	"pifancontrol/internal/fancontrol"
	"pifancontrol/internal/lockfile"
	"pifancontrol/internal/logger"
	"pifancontrol/internal/metrics"
)

func main() {
	os.Exit(runMain(os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

func runMain(args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	dir, err := config.ExecutableDir()
	if err != nil {
		fmt.Fprintf(stderr, "locate executable: %v\n", err)
		return 1
	}
	cfg, err := config.Load(args, getenv, dir)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if cfg.PrintConfig {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintf(stderr, "config: %v\n", err)
			return 1
		}
		_, _ = stdout.Write(out)
		return 0
	}

	log, logFile, err := logger.Open(cfg.Logging.File, cfg.Logging.Level, false)
	if err != nil {
		fmt.Fprintf(stderr, "[ERROR] %v\n", err)
		return 1
	}
	defer logFile.Close()

	lock, err := lockfile.Acquire(cfg.LockFile)
	if err != nil {
		log.Error().Err(err).Str("lock_file", cfg.LockFile).Msg("Another fan controller owns the fan output")
		fmt.Fprintf(stderr, "[ERROR] %v\n", err)
		return 1
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Msg("Failed to release lock")
		}
	}()

	loop, err := buildLoop(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to set up fan controller")
		fmt.Fprintf(stderr, "[ERROR] %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "[INFO] Fan Controller starting. Logging to %s\n", cfg.Logging.File)
	err = serve(context.Background(), loop, os.Interrupt, syscall.SIGTERM)
	code := exitCode(err)
	if code != 0 {
		fmt.Fprintf(stderr, "[ERROR] %v\n", err)
	}
	return code
}

func buildLoop(cfg config.Config, log zerolog.Logger) (*fancontrol.Loop, error) {
	backend, model, err := fancontrol.DetectBackend(cfg.Fan.ModelPaths...)
	if err != nil {
		log.Warn().Err(err).Str("backend", backend.String()).Msg("Could not read board model, using default backend")
	} else {
		log.Info().Str("model", model).Str("backend", backend.String()).Msg("Detected board")
	}

	driver, err := fancontrol.NewDriver(backend, cfg.Fan.PWMPin, cfg.Fan.PWMFrequencyHz)
	if err != nil {
		return nil, err
	}
	source, err := fancontrol.NewTemperatureSource(cfg.Temperature.Source, cfg.Temperature.Command, cfg.Temperature.Timeout)
	if err != nil {
		return nil, err
	}

	lc := fancontrol.LoopConfig{
		Driver:   driver,
		Source:   source,
		Logger:   log,
		Interval: cfg.Fan.CheckInterval,
	}
	if cfg.Metrics.Textfile != "" {
		lc.Observer = metrics.NewRecorder(cfg.Metrics.Textfile, backend)
	}
	return fancontrol.NewLoop(lc)
}

// serve runs the loop until it stops on its own or one of signals arrives.
func serve(ctx context.Context, loop *fancontrol.Loop, signals ...os.Signal) error {
	var g run.Group
	g.Add(run.SignalHandler(ctx, signals...))

	loopCtx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		return loop.Run(loopCtx)
	}, func(error) {
		cancel()
	})
	return g.Run()
}

// exitCode maps the reason the controller stopped to a process exit status.
func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		return 0
	}
	return 1
}
