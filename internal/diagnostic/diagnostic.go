// Package diagnostic runs the manual fan test: it pauses the controller
// service, steps the fan through the whole duty table and hands the fan back.
package diagnostic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"pifancontrol/internal/fancontrol"
)

const (
	DefaultCycles   = 2
	DefaultStep     = 3 * time.Second
	DefaultLockWait = 5 * time.Second

	lockPollInterval = 200 * time.Millisecond
)

var afterFn = time.After

// Service is the controller's service manager entry.
type Service interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// Session is one run of the fan test.
type Session struct {
	Service Service
	Driver  fancontrol.Driver
	// AcquireLock takes the controller's single-instance lock. It is retried
	// until LockWait expires while the stopped controller lets go of the fan.
	AcquireLock func() (unlock func() error, err error)
	Log         zerolog.Logger
	Console     io.Writer

	Cycles   int
	Step     time.Duration
	LockWait time.Duration
}

// Sequence returns the duty levels applied by a test of n cycles, without the
// final off.
func Sequence(cycles int) []fancontrol.DutyCycle {
	levels := fancontrol.Levels()
	out := make([]fancontrol.DutyCycle, 0, cycles*len(levels))
	for i := 0; i < cycles; i++ {
		out = append(out, levels...)
	}
	return out
}

// Run executes the test. The fan is always left off and the service is always
// restarted, whether the test completes, fails to set up or ctx is canceled.
// It returns the levels that were applied; an interrupted test returns
// ctx.Err().
func (s *Session) Run(ctx context.Context) (applied []fancontrol.DutyCycle, err error) {
	s.defaults()
	con := newConsole(s.Console)

	con.info("Starting Fan Controller Test...")
	s.Log.Info().Int("cycles", s.Cycles).Dur("step", s.Step).Msg("Starting Fan Controller Test")

	// The service is stopped before anything else and restarted last, on
	// every path below.
	if err := s.Service.Stop(ctx); err != nil {
		con.warn("Could not stop the controller service (maybe not running).")
		s.Log.Warn().Err(err).Msg("Could not stop controller service (maybe not running)")
	} else {
		con.info("Controller service stopped.")
		s.Log.Info().Msg("Controller service stopped before test")
	}
	defer s.restartService(con)

	unlock, err := s.waitForLock(ctx)
	if err != nil {
		s.Log.Error().Err(err).Msg("Fan output is still owned by another process")
		return nil, err
	}
	defer func() {
		if uerr := unlock(); uerr != nil {
			s.Log.Warn().Err(uerr).Msg("Failed to release lock")
		}
	}()

	ch, err := s.Driver.Initialize()
	if err != nil {
		s.Log.Error().Err(err).Str("backend", s.Driver.Backend().String()).Msg("Failed to set up fan output")
		return nil, err
	}
	defer func() {
		if rerr := ch.Release(); rerr != nil {
			s.Log.Error().Err(rerr).Msg("Failed to release fan output")
		}
	}()

	applied, err = s.runSequence(ctx, ch, con)
	s.set(ch, fancontrol.DutyOff)
	applied = append(applied, fancontrol.DutyOff)

	if err != nil {
		con.info("Test interrupted by user.")
		s.Log.Info().Msg("Test interrupted by user")
		return applied, err
	}
	con.info("Test completed. Turning fan off.")
	s.Log.Info().Msg("Test completed. Turning fan off")
	return applied, nil
}

func (s *Session) defaults() {
	if s.Cycles <= 0 {
		s.Cycles = DefaultCycles
	}
	if s.Step <= 0 {
		s.Step = DefaultStep
	}
	if s.LockWait <= 0 {
		s.LockWait = DefaultLockWait
	}
	if s.Console == nil {
		s.Console = io.Discard
	}
}

func (s *Session) runSequence(ctx context.Context, ch fancontrol.Channel, con *console) ([]fancontrol.DutyCycle, error) {
	var applied []fancontrol.DutyCycle
	levels := fancontrol.Levels()
	for cycle := 1; cycle <= s.Cycles; cycle++ {
		con.info(fmt.Sprintf("Starting test cycle %d", cycle))
		s.Log.Info().Int("cycle", cycle).Msg("Starting test cycle")

		for _, d := range levels {
			con.test(fmt.Sprintf("Setting fan speed to %d%%", int(d)))
			s.Log.Info().Int("duty", int(d)).Str("fan", d.String()).Msg("Setting fan speed")
			s.set(ch, d)
			applied = append(applied, d)

			select {
			case <-ctx.Done():
				return applied, ctx.Err()
			case <-afterFn(s.Step):
			}
		}
	}
	return applied, nil
}

// set applies d; failures are logged and the test carries on.
func (s *Session) set(ch fancontrol.Channel, d fancontrol.DutyCycle) {
	if err := ch.SetDutyCycle(d); err != nil {
		s.Log.Error().Err(err).Int("duty", int(d)).Msg("Failed to set fan speed")
	}
}

func (s *Session) waitForLock(ctx context.Context) (func() error, error) {
	if s.AcquireLock == nil {
		return func() error { return nil }, nil
	}
	deadline := time.Now().Add(s.LockWait)
	for {
		unlock, err := s.AcquireLock()
		if err == nil {
			return unlock, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire controller lock: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), err)
		case <-afterFn(lockPollInterval):
		}
	}
}

// restartService uses a fresh context so an interrupted test still hands the
// fan back to the controller.
func (s *Session) restartService(con *console) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Service.Start(ctx); err != nil {
		con.error("Failed to restart the controller service.")
		s.Log.Error().Err(err).Msg("Failed to restart controller service")
		return
	}
	con.info("Controller service restarted.")
	s.Log.Info().Msg("Controller service restarted after test")
}

type console struct {
	w                 io.Writer
	infoTag, testTag  string
	warnTag, errorTag string
}

func newConsole(w io.Writer) *console {
	r := lipgloss.NewRenderer(w)
	tag := func(text, color string) string {
		return r.NewStyle().Bold(true).Foreground(lipgloss.Color(color)).Render(text)
	}
	return &console{
		w:        w,
		infoTag:  tag("[INFO]", "#7EC8E3"),
		testTag:  tag("[TEST]", "#98D8C8"),
		warnTag:  tag("[WARNING]", "#FFD166"),
		errorTag: tag("[ERROR]", "#FF6B35"),
	}
}

func (c *console) info(msg string)  { fmt.Fprintln(c.w, c.infoTag, msg) }
func (c *console) test(msg string)  { fmt.Fprintln(c.w, c.testTag, msg) }
func (c *console) warn(msg string)  { fmt.Fprintln(c.w, c.warnTag, msg) }
func (c *console) error(msg string) { fmt.Fprintln(c.w, c.errorTag, msg) }
