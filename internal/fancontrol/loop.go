package fancontrol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the time between control cycles.
const DefaultInterval = 5 * time.Second

var afterFn = time.After

// State is the lifecycle state of a Loop.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Cycle is the outcome of one read/decide/apply pass.
type Cycle struct {
	At       time.Time
	TempC    float64
	Duty     DutyCycle
	ReadErr  error
	ApplyErr error
}

// Observer is told about every completed cycle.
type Observer interface {
	ObserveCycle(c Cycle) error
}

type LoopConfig struct {
	Driver   Driver
	Source   TemperatureSource
	Logger   zerolog.Logger
	Interval time.Duration // defaults to DefaultInterval
	Observer Observer      // optional
}

// Loop samples the CPU temperature on a fixed interval and sets the fan speed
// from the step table.
//
// A Loop runs once. It owns the Channel returned by the driver from the moment
// Run initializes it until Run returns, and releases it exactly once.
type Loop struct {
	driver   Driver
	source   TemperatureSource
	log      zerolog.Logger
	interval time.Duration
	observer Observer

	started atomic.Bool
	state   atomic.Int32

	ch           Channel
	shutdownOnce sync.Once

	mu   sync.RWMutex
	last Cycle
	have bool
}

func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Driver == nil {
		return nil, fmt.Errorf("fancontrol: driver is nil")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("fancontrol: temperature source is nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Loop{
		driver:   cfg.Driver,
		source:   cfg.Source,
		log:      cfg.Logger,
		interval: cfg.Interval,
		observer: cfg.Observer,
	}, nil
}

func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Last returns the most recent completed cycle.
func (l *Loop) Last() (Cycle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last, l.have
}

// Run initializes the fan and runs control cycles until ctx is canceled or a
// cycle fails unexpectedly.
//
// It returns nil after cancellation, a *StartupError if the fan could not be
// claimed, and an *UnexpectedError if a cycle failed. In every case where the
// fan was claimed it has been released by the time Run returns.
func (l *Loop) Run(ctx context.Context) (err error) {
	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("fancontrol: loop already run")
	}

	backend := l.driver.Backend()
	ch, err := l.driver.Initialize()
	if err != nil {
		l.setState(StateStopped)
		l.log.Error().Err(err).Str("backend", backend.String()).Msg("Failed to set up fan output")
		return &StartupError{Err: err}
	}
	l.ch = ch
	l.setState(StateRunning)
	l.log.Info().Str("backend", backend.String()).Dur("interval", l.interval).Msg("Fan Controller started")

	defer func() { l.shutdown() }()

	for {
		if err := l.safeCycle(ctx); err != nil {
			l.log.Error().Err(err).Msg("Unexpected error, stopping")
			return err
		}
		select {
		case <-ctx.Done():
			l.log.Info().Msg("Stopped manually")
			return nil
		case <-afterFn(l.interval):
		}
	}
}

func (l *Loop) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &UnexpectedError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return l.cycle(ctx)
}

// cycle always runs read, decide and apply to completion; cancellation is only
// checked between cycles.
func (l *Loop) cycle(ctx context.Context) error {
	c := Cycle{At: time.Now()}

	temp, err := l.source.Read(context.WithoutCancel(ctx))
	if err != nil {
		if !IsRecoverable(err) {
			return &UnexpectedError{Err: err}
		}
		l.log.Error().Err(err).Msg("Failed to read CPU temperature")
		temp = FailSafeTemperature
		c.ReadErr = err
	}

	duty := Decide(temp)
	if err := l.ch.SetDutyCycle(duty); err != nil {
		if !IsRecoverable(err) {
			return &UnexpectedError{Err: err}
		}
		l.log.Error().Err(err).Int("duty", int(duty)).Msg("Failed to set fan speed")
		c.ApplyErr = err
	}

	c.TempC = temp
	c.Duty = duty
	l.log.Info().Float64("temp_c", temp).Int("duty", int(duty)).Str("fan", duty.String()).Msg("cycle")

	l.mu.Lock()
	l.last = c
	l.have = true
	l.mu.Unlock()

	if l.observer != nil {
		if err := l.observer.ObserveCycle(c); err != nil {
			l.log.Warn().Err(err).Msg("Failed to record cycle metrics")
		}
	}
	return nil
}

// shutdown releases the fan channel. It runs at most once, and a failing or
// panicking release is logged and swallowed so the original exit cause wins.
func (l *Loop) shutdown() {
	l.shutdownOnce.Do(func() {
		l.setState(StateStopping)
		defer l.setState(StateStopped)
		defer func() {
			if r := recover(); r != nil {
				l.log.Error().Interface("panic", r).Msg("Fan release panicked")
			}
		}()

		if err := l.ch.Release(); err != nil {
			l.log.Error().Err(err).Msg("Failed to release fan output")
			return
		}
		l.log.Info().Msg("Fan output released")
	})
}
