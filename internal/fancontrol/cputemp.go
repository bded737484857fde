package fancontrol

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

// parseThermalZone converts a thermal zone reading to degrees C. Most kernels
// report millidegrees; a few report whole degrees.
func parseThermalZone(raw string) (float64, error) {
	field := strings.TrimSpace(raw)
	if field == "" {
		return 0, fmt.Errorf("thermal zone: empty reading")
	}
	n, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("thermal zone: parse %q: %w", field, err)
	}
	if n > 1000 || n < -1000 {
		return float64(n) / 1000.0, nil
	}
	return float64(n), nil
}

// ThermalZoneSource reads the CPU temperature from sysfs. It needs no firmware
// tools, so it also works off Raspberry Pi OS.
type ThermalZoneSource struct {
	Path string // defaults to thermal_zone0
}

func (s ThermalZoneSource) Read(ctx context.Context) (float64, error) {
	path := s.Path
	if path == "" {
		path = thermalZonePath
	}
	b, err := os.ReadFile(path)
	if err == nil {
		var v float64
		if v, err = parseThermalZone(string(b)); err == nil {
			return v, nil
		}
	}
	return FailSafeTemperature, &ReadError{Source: "thermal_zone", Err: err}
}
