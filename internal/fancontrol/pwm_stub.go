//go:build !linux

package fancontrol

import "fmt"

func openHardPWM(pin, freqHz int) (hardPWM, error) {
	return nil, fmt.Errorf("hardware pwm unsupported on this platform")
}

var openHardPWMFn = openHardPWM
