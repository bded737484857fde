//go:build linux

package fancontrol

import (
	"fmt"

	"github.com/stianeikeland/go-rpio/v4"
)

// PWM clock limits accepted by the BCM283x clock manager.
const (
	minPWMClockHz = 4688
	maxPWMClockHz = 9_600_000
)

func isHardPWMPin(pin int) bool {
	switch pin {
	case 12, 13, 18, 19:
		return true
	}
	return false
}

// openHardPWM maps the GPIO registers (/dev/gpiomem) and configures pin as a
// hardware PWM output at freqHz, starting at 0%.
//
// This does not work on the Pi 5: the header GPIOs live behind the RP1 chip.
func openHardPWM(pin, freqHz int) (hardPWM, error) {
	if !isHardPWMPin(pin) {
		return nil, fmt.Errorf("gpio %d has no hardware pwm channel", pin)
	}
	clock := freqHz * pwmCycleLen
	if clock < minPWMClockHz || clock > maxPWMClockHz {
		return nil, fmt.Errorf("pwm frequency %dHz out of range", freqHz)
	}
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open gpio memory: %w", err)
	}

	p := rpio.Pin(pin)
	p.Mode(rpio.Pwm)
	p.Freq(clock)
	p.DutyCycle(0, pwmCycleLen)
	return &rpioPWM{pin: p}, nil
}

var openHardPWMFn = openHardPWM

type rpioPWM struct {
	pin rpio.Pin
}

func (r *rpioPWM) SetDuty(dutyLen, cycleLen uint32) {
	r.pin.DutyCycle(dutyLen, cycleLen)
}

// Close stops the output and returns the pin to an input, then unmaps the
// registers.
func (r *rpioPWM) Close() error {
	r.pin.DutyCycle(0, pwmCycleLen)
	r.pin.Input()
	return rpio.Close()
}
