package fancontrol

import "strconv"

// DutyCycle is a fan PWM duty cycle in percent.
//
// Only the five step-table levels are ever produced or accepted.
type DutyCycle int

const (
	DutyOff  DutyCycle = 0
	Duty30   DutyCycle = 30
	Duty50   DutyCycle = 50
	Duty70   DutyCycle = 70
	DutyFull DutyCycle = 100
)

// Levels returns the step-table levels in ascending order.
func Levels() []DutyCycle {
	return []DutyCycle{DutyOff, Duty30, Duty50, Duty70, DutyFull}
}

func (d DutyCycle) Valid() bool {
	switch d {
	case DutyOff, Duty30, Duty50, Duty70, DutyFull:
		return true
	}
	return false
}

// String renders the fan state as written to the log: "OFF" or "N%".
func (d DutyCycle) String() string {
	if d == DutyOff {
		return "OFF"
	}
	return strconv.Itoa(int(d)) + "%"
}

// Decide maps a CPU temperature in degrees C to a duty cycle.
//
// Bands are inclusive at the lower bound. There is no hysteresis: a reading
// that sits on a boundary flips the level on every sample.
func Decide(tempC float64) DutyCycle {
	switch {
	case tempC >= 70:
		return DutyFull
	case tempC >= 60:
		return Duty70
	case tempC >= 50:
		return Duty50
	case tempC >= 40:
		return Duty30
	default:
		// Also covers NaN.
		return DutyOff
	}
}
