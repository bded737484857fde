package fancontrol

import (
	"os"
	"strings"
)

// Common device-tree model paths across Pi distros, preferred first.
var boardModelPaths = []string{
	"/sys/firmware/devicetree/base/model",
	"/proc/device-tree/model",
}

func readBoardModel(paths []string) (string, error) {
	var lastErr error
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			lastErr = err
			continue
		}
		model := strings.TrimSpace(string(b))
		model = strings.Trim(model, "\x00")
		return model, nil
	}
	return "", lastErr
}

// BackendForModel picks the backend for a board model string. Anything that is
// not a Pi 5, including an empty string, gets the hardware PWM backend.
func BackendForModel(model string) Backend {
	if strings.Contains(model, "Raspberry Pi 5") {
		return BackendSoftPWM
	}
	return BackendHardPWM
}

// DetectBackend reads the board model once and selects the fan backend.
// With no paths the standard device-tree locations are used. The model is
// returned for logging; err reports why it could not be read, in which case
// the default backend is still returned.
func DetectBackend(paths ...string) (b Backend, model string, err error) {
	if len(paths) == 0 {
		paths = boardModelPaths
	}
	model, err = readBoardModel(paths)
	return BackendForModel(model), model, err
}
