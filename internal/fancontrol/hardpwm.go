package fancontrol

// hardPWM is a configured SoC PWM channel.
type hardPWM interface {
	SetDuty(dutyLen, cycleLen uint32)
	Close() error
}

// The duty cycle is expressed over a range of 100, so the PWM clock runs at
// 100x the output frequency.
const pwmCycleLen = 100

type hardPWMDriver struct {
	pin    int
	freqHz int
}

func newHardPWMDriver(pin, freqHz int) Driver {
	return &hardPWMDriver{pin: pin, freqHz: freqHz}
}

func (d *hardPWMDriver) Backend() Backend { return BackendHardPWM }

// Initialize switches the pin into PWM mode at the fixed frequency and starts
// the channel at 0%. Later changes only touch the duty parameter.
func (d *hardPWMDriver) Initialize() (Channel, error) {
	p, err := openHardPWMFn(d.pin, d.freqHz)
	if err != nil {
		return nil, &ActuatorError{Backend: BackendHardPWM, Op: "claim", Err: err}
	}
	return &hardPWMChannel{pwm: p}, nil
}

type hardPWMChannel struct {
	pwm      hardPWM
	duty     DutyCycle
	released bool
}

func (c *hardPWMChannel) SetDutyCycle(d DutyCycle) error {
	if c.released {
		return ErrReleased
	}
	if err := checkDuty(BackendHardPWM, d); err != nil {
		return err
	}
	c.pwm.SetDuty(uint32(d), pwmCycleLen)
	c.duty = d
	return nil
}

func (c *hardPWMChannel) Release() error {
	if c.released {
		return nil
	}
	c.released = true
	c.pwm.SetDuty(0, pwmCycleLen)
	c.duty = DutyOff
	if err := c.pwm.Close(); err != nil {
		return &ActuatorError{Backend: BackendHardPWM, Op: "release", Err: err}
	}
	return nil
}
