package fancontrol

import "fmt"

// Backend identifies the GPIO stack used to drive the fan. It is chosen once
// at startup and never changes.
type Backend int

const (
	// BackendHardPWM drives the SoC PWM peripheral through memory-mapped
	// registers (go-rpio). Used on every board except the Pi 5.
	BackendHardPWM Backend = iota
	// BackendSoftPWM toggles a line on the GPIO character device from a
	// software PWM generator. Used on the Pi 5, whose RP1 I/O chip breaks
	// memory-mapped GPIO access.
	BackendSoftPWM
)

func (b Backend) String() string {
	switch b {
	case BackendHardPWM:
		return "rpio"
	case BackendSoftPWM:
		return "gpiocdev"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// Driver claims the fan output for one backend.
type Driver interface {
	Backend() Backend
	// Initialize claims the pin and leaves the fan off. Failure is fatal to
	// the controller.
	Initialize() (Channel, error)
}

// Channel is a claimed fan output. It is owned by a single caller.
//
// SetDutyCycle accepts only the step-table levels; applying the same level
// twice is harmless. Release stops any PWM signal and frees the pin; after
// it, SetDutyCycle returns ErrReleased.
type Channel interface {
	SetDutyCycle(d DutyCycle) error
	Release() error
}

const (
	DefaultPin         = 18  // BCM numbering
	DefaultFrequencyHz = 100 // PWM output frequency
)

var (
	newSoftPWMDriverFn = newSoftPWMDriver
	newHardPWMDriverFn = newHardPWMDriver
)

// NewDriver returns the driver for backend b on BCM pin with a PWM output
// frequency of freqHz.
func NewDriver(b Backend, pin, freqHz int) (Driver, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("fancontrol: invalid gpio pin %d", pin)
	}
	if freqHz <= 0 {
		return nil, fmt.Errorf("fancontrol: invalid pwm frequency %d", freqHz)
	}
	switch b {
	case BackendSoftPWM:
		return newSoftPWMDriverFn(pin, freqHz), nil
	case BackendHardPWM:
		return newHardPWMDriverFn(pin, freqHz), nil
	default:
		return nil, fmt.Errorf("fancontrol: unknown backend %v", b)
	}
}

func checkDuty(b Backend, d DutyCycle) error {
	if !d.Valid() {
		return &ActuatorError{Backend: b, Op: opSetDuty, Err: fmt.Errorf("duty %d%% is not a step level", int(d))}
	}
	return nil
}
