package fancontrol

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// TemperatureSource reads the current CPU temperature in degrees C.
//
// Failures are reported as *ReadError; callers fall back to
// FailSafeTemperature for that sample.
type TemperatureSource interface {
	Read(ctx context.Context) (float64, error)
}

// FailSafeTemperature is used when a reading fails. It keeps the fan off rather
// than spinning it up on a spurious error.
const FailSafeTemperature = 0.0

const DefaultReadTimeout = 2 * time.Second

// DefaultTempCommand is the Raspberry Pi firmware temperature query.
var DefaultTempCommand = []string{"vcgencmd", "measure_temp"}

// CommandSource runs an external command that prints "temp=48.3'C".
type CommandSource struct {
	Argv    []string
	Timeout time.Duration
}

func (s *CommandSource) Read(ctx context.Context) (float64, error) {
	argv := s.Argv
	if len(argv) == 0 {
		argv = DefaultTempCommand
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return FailSafeTemperature, &ReadError{Source: argv[0], Err: fmt.Errorf("timed out after %s", timeout)}
	}
	if err != nil {
		return FailSafeTemperature, &ReadError{Source: argv[0], Err: err}
	}
	v, err := parseMeasureTemp(string(out))
	if err != nil {
		return FailSafeTemperature, &ReadError{Source: argv[0], Err: err}
	}
	return v, nil
}

// parseMeasureTemp parses the first line of vcgencmd output, e.g. "temp=48.3'C".
func parseMeasureTemp(out string) (float64, error) {
	line, _, _ := strings.Cut(out, "\n")
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "temp=")
	s = strings.TrimSuffix(s, "'C")
	if s == "" {
		return 0, fmt.Errorf("empty temperature output")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse temperature %q: %w", strings.TrimSpace(line), err)
	}
	return v, nil
}

// NewTemperatureSource returns the source named kind: "vcgencmd" (default) or
// "thermal".
func NewTemperatureSource(kind string, argv []string, timeout time.Duration) (TemperatureSource, error) {
	switch kind {
	case "", "vcgencmd":
		return &CommandSource{Argv: argv, Timeout: timeout}, nil
	case "thermal":
		return ThermalZoneSource{}, nil
	default:
		return nil, fmt.Errorf("fancontrol: unknown temperature source %q", kind)
	}
}
