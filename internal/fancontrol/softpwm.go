package fancontrol

import (
	"fmt"
	"sync"
	"time"
)

// lineSetter is the part of a GPIO output line the software PWM generator needs.
type lineSetter interface {
	SetValue(value int) error
}

type pwmSetting struct {
	periodUS int
	onUS     int
}

// pwmTiming converts a duty level into a period and on-time in microseconds.
// The on-time is truncated, never rounded.
func pwmTiming(freqHz int, d DutyCycle) pwmSetting {
	period := 1_000_000 / freqHz
	return pwmSetting{periodUS: period, onUS: period * int(d) / 100}
}

// softPWM generates a PWM waveform on a plain GPIO output line.
//
// The waveform is produced by one goroutine. Transmit replaces the current
// setting; a new setting restarts the period. 0 and 100 percent hold the line
// at a constant level without toggling.
type softPWM struct {
	line lineSetter

	update chan pwmSetting
	stop   chan struct{}
	done   chan struct{}

	stopOnce sync.Once

	mu  sync.Mutex
	cur pwmSetting
	err error
}

func startSoftPWM(line lineSetter) *softPWM {
	p := &softPWM{
		line:   line,
		update: make(chan pwmSetting, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Transmit sets the waveform. It returns an error for an invalid setting, after
// Stop, or if the generator failed to drive the line since the last call.
func (p *softPWM) Transmit(periodUS, onUS int) error {
	if periodUS <= 0 || onUS < 0 || onUS > periodUS {
		return fmt.Errorf("soft pwm: invalid period=%dus on=%dus", periodUS, onUS)
	}
	select {
	case <-p.stop:
		return ErrReleased
	default:
	}

	s := pwmSetting{periodUS: periodUS, onUS: onUS}
	p.mu.Lock()
	p.cur = s
	err := p.err
	p.err = nil
	p.mu.Unlock()

	// Only the latest setting matters.
	select {
	case <-p.update:
	default:
	}
	p.update <- s
	return err
}

func (p *softPWM) Setting() (periodUS, onUS int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur.periodUS, p.cur.onUS
}

// Stop ends the generator and waits for it. The line is left at whatever level
// it had; the caller drives it low.
func (p *softPWM) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *softPWM) run() {
	defer close(p.done)

	var s pwmSetting
	for {
		switch {
		case s.onUS <= 0:
			p.write(0)
			select {
			case s = <-p.update:
			case <-p.stop:
				return
			}
		case s.onUS >= s.periodUS:
			p.write(1)
			select {
			case s = <-p.update:
			case <-p.stop:
				return
			}
		default:
			p.write(1)
			running, changed := p.hold(time.Duration(s.onUS)*time.Microsecond, &s)
			if !running {
				return
			}
			if changed {
				continue
			}
			p.write(0)
			if running, _ = p.hold(time.Duration(s.periodUS-s.onUS)*time.Microsecond, &s); !running {
				return
			}
		}
	}
}

// hold keeps the line at its current level for d. changed reports that a new
// setting arrived and was stored in s.
func (p *softPWM) hold(d time.Duration, s *pwmSetting) (running, changed bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true, false
	case ns := <-p.update:
		*s = ns
		return true, true
	case <-p.stop:
		return false, false
	}
}

func (p *softPWM) write(v int) {
	if err := p.line.SetValue(v); err != nil {
		p.mu.Lock()
		if p.err == nil {
			p.err = err
		}
		p.mu.Unlock()
	}
}

// gpioLine is a requested GPIO output line. Close releases the line and the
// chip it was requested from.
type gpioLine interface {
	lineSetter
	Close() error
}

type softPWMDriver struct {
	pin    int
	freqHz int
}

func newSoftPWMDriver(pin, freqHz int) Driver {
	return &softPWMDriver{pin: pin, freqHz: freqHz}
}

func (d *softPWMDriver) Backend() Backend { return BackendSoftPWM }

func (d *softPWMDriver) Initialize() (Channel, error) {
	line, err := openGPIOLineFn(d.pin)
	if err != nil {
		return nil, &ActuatorError{Backend: BackendSoftPWM, Op: "claim", Err: err}
	}
	return &softPWMChannel{line: line, pwm: startSoftPWM(line), freqHz: d.freqHz}, nil
}

type softPWMChannel struct {
	line   gpioLine
	pwm    *softPWM
	freqHz int

	released bool
}

func (c *softPWMChannel) SetDutyCycle(d DutyCycle) error {
	if c.released {
		return ErrReleased
	}
	if err := checkDuty(BackendSoftPWM, d); err != nil {
		return err
	}
	s := pwmTiming(c.freqHz, d)
	if err := c.pwm.Transmit(s.periodUS, s.onUS); err != nil {
		return &ActuatorError{Backend: BackendSoftPWM, Op: opSetDuty, Err: err}
	}
	return nil
}

func (c *softPWMChannel) Release() error {
	if c.released {
		return nil
	}
	c.released = true
	c.pwm.Stop()
	// Leave the fan off.
	_ = c.line.SetValue(0)
	if err := c.line.Close(); err != nil {
		return &ActuatorError{Backend: BackendSoftPWM, Op: "release", Err: err}
	}
	return nil
}
