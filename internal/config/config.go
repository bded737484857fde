package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the controller settings. There is no configuration file: the
// values come from built-in defaults, FANCONTROL_* environment variables and
// command-line flags.
type Config struct {
	Fan         FanConfig         `yaml:"fan"`
	Temperature TemperatureConfig `yaml:"temperature"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	LockFile    string            `yaml:"lock_file" validate:"required"`

	// PrintConfig asks the caller to print the effective config and exit.
	PrintConfig bool `yaml:"-"`
}

type FanConfig struct {
	// PWMPin is BCM GPIO numbering.
	PWMPin         int           `yaml:"pwm_pin" validate:"min=1,max=27"`
	PWMFrequencyHz int           `yaml:"pwm_frequency_hz" validate:"min=1,max=10000"`
	CheckInterval  time.Duration `yaml:"check_interval" validate:"gt=0"`
	// ModelPaths are tried in order to identify the board.
	ModelPaths []string `yaml:"model_paths" validate:"min=1,dive,required"`
}

type TemperatureConfig struct {
	Source  string        `yaml:"source" validate:"oneof=vcgencmd thermal"`
	Command []string      `yaml:"command" validate:"required_if=Source vcgencmd"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type LoggingConfig struct {
	File  string `yaml:"file" validate:"required"`
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
}

type MetricsConfig struct {
	// Textfile is a node_exporter textfile collector path. Empty disables metrics.
	Textfile string `yaml:"textfile"`
}

const (
	DefaultPWMPin         = 18
	DefaultPWMFrequencyHz = 100
	DefaultCheckInterval  = 5 * time.Second
	DefaultTempTimeout    = 2 * time.Second
)

// Default returns the built-in settings with files placed under baseDir/logs.
func Default(baseDir string) Config {
	logDir := filepath.Join(baseDir, "logs")
	return Config{
		Fan: FanConfig{
			PWMPin:         DefaultPWMPin,
			PWMFrequencyHz: DefaultPWMFrequencyHz,
			CheckInterval:  DefaultCheckInterval,
			ModelPaths:     []string{"/sys/firmware/devicetree/base/model", "/proc/device-tree/model"},
		},
		Temperature: TemperatureConfig{
			Source:  "vcgencmd",
			Command: []string{"vcgencmd", "measure_temp"},
			Timeout: DefaultTempTimeout,
		},
		Logging: LoggingConfig{
			File:  filepath.Join(logDir, "fan_controller.log"),
			Level: "info",
		},
		LockFile: filepath.Join(logDir, "fan_controller.lock"),
	}
}

// Load builds the configuration from defaults, then environment, then flags.
// getenv is usually os.Getenv.
func Load(args []string, getenv func(string) string, baseDir string) (Config, error) {
	cfg := Default(baseDir)

	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("fancontroller", flag.ContinueOnError)
	fs.StringVar(&cfg.Logging.File, "log-file", cfg.Logging.File, "Path to the log file")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Temperature.Source, "temp-source", cfg.Temperature.Source, "Temperature source (vcgencmd, thermal)")
	fs.DurationVar(&cfg.Temperature.Timeout, "temp-timeout", cfg.Temperature.Timeout, "Timeout for one temperature read")
	fs.StringVar(&cfg.Metrics.Textfile, "metrics-textfile", cfg.Metrics.Textfile, "Write Prometheus metrics to this textfile after every cycle")
	fs.StringVar(&cfg.LockFile, "lock-file", cfg.LockFile, "Single-instance lock file")
	fs.BoolVar(&cfg.PrintConfig, "print-config", false, "Print the effective configuration as YAML and exit")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	if v := getenv("FANCONTROL_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := getenv("FANCONTROL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("FANCONTROL_TEMP_SOURCE"); v != "" {
		c.Temperature.Source = v
	}
	if v := getenv("FANCONTROL_TEMP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FANCONTROL_TEMP_TIMEOUT: %w", err)
		}
		c.Temperature.Timeout = d
	}
	if v := getenv("FANCONTROL_METRICS_TEXTFILE"); v != "" {
		c.Metrics.Textfile = v
	}
	if v := getenv("FANCONTROL_LOCK_FILE"); v != "" {
		c.LockFile = v
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and reports the first violation.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	if fe.Param() != "" {
		return fmt.Errorf("%s fails %s=%s (value %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Errorf("%s fails %s (value %v)", field, fe.Tag(), fe.Value())
}

// YAML renders the effective configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ExecutableDir returns the directory holding the running binary, with
// symlinks resolved. Log files live relative to it.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}
