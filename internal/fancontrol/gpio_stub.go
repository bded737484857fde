//go:build !linux

package fancontrol

import "fmt"

func openGPIOLine(pin int) (gpioLine, error) {
	return nil, fmt.Errorf("gpio character device unsupported on this platform")
}

var openGPIOLineFn = openGPIOLine
