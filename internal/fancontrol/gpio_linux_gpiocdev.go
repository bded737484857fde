//go:build linux

package fancontrol

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

const gpioConsumer = "pifancontrol"

// openGPIOLine requests the given BCM GPIO as an output, initially low, from
// the Linux GPIO character device.
func openGPIOLine(pin int) (gpioLine, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("invalid gpio pin %d", pin)
	}

	// On Pi, line names are "GPIO18", etc.
	lineName := fmt.Sprintf("GPIO%d", pin)

	// Depending on the kernel the Pi 5 header is on gpiochip0 or gpiochip4.
	chipCandidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "gpiochip") {
			continue
		}
		p := filepath.Join("/dev", name)
		if p != chipCandidates[0] && p != chipCandidates[1] {
			chipCandidates = append(chipCandidates, p)
		}
	}

	var errs []error
	for _, chipPath := range chipCandidates {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(gpioConsumer))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", chipPath, err))
			_ = chip.Close()
			continue
		}
		return &cdevLine{chip: chip, line: line}, nil
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("gpio line %q busy: %w", lineName, errors.Join(errs...))
	}
	return nil, fmt.Errorf("gpio line %q not found", lineName)
}

var openGPIOLineFn = openGPIOLine

type cdevLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *cdevLine) SetValue(v int) error {
	if g.line == nil {
		return ErrReleased
	}
	return g.line.SetValue(v)
}

func (g *cdevLine) Close() error {
	if g.line == nil {
		return nil
	}
	err := g.line.Close()
	g.line = nil
	if cerr := g.chip.Close(); err == nil {
		err = cerr
	}
	g.chip = nil
	return err
}
