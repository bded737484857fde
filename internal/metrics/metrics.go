// Package metrics exports controller state in the Prometheus text format
// through the node_exporter textfile collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"pifancontrol/internal/fancontrol"
)

// Recorder holds the controller's metrics in a private registry and writes
// them to a textfile after every cycle.
type Recorder struct {
	path string
	reg  *prometheus.Registry

	// CPUTemperature is the temperature used for the last decision.
	CPUTemperature prometheus.Gauge
	// DutyCycle is the last duty cycle applied, in percent.
	DutyCycle   prometheus.Gauge
	Cycles      prometheus.Counter
	ReadErrors  prometheus.Counter
	ApplyErrors prometheus.Counter
}

// NewRecorder creates a Recorder. With an empty path nothing is written.
func NewRecorder(path string, backend fancontrol.Backend) *Recorder {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"backend": backend.String()}
	r := &Recorder{
		path: path,
		reg:  reg,
		CPUTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "fancontrol_cpu_temperature_celsius",
			Help:        "CPU temperature used for the last fan speed decision",
			ConstLabels: constLabels,
		}),
		DutyCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "fancontrol_duty_cycle_percent",
			Help:        "Fan PWM duty cycle selected by the last cycle",
			ConstLabels: constLabels,
		}),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fancontrol_cycles_total",
			Help:        "Total number of control cycles run",
			ConstLabels: constLabels,
		}),
		ReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fancontrol_read_errors_total",
			Help:        "Total number of failed temperature reads",
			ConstLabels: constLabels,
		}),
		ApplyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fancontrol_apply_errors_total",
			Help:        "Total number of failed duty cycle changes",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(r.CPUTemperature, r.DutyCycle, r.Cycles, r.ReadErrors, r.ApplyErrors)
	return r
}

// ObserveCycle records one cycle and flushes the textfile.
func (r *Recorder) ObserveCycle(c fancontrol.Cycle) error {
	r.Cycles.Inc()
	r.CPUTemperature.Set(c.TempC)
	r.DutyCycle.Set(float64(c.Duty))
	if c.ReadErr != nil {
		r.ReadErrors.Inc()
	}
	if c.ApplyErr != nil {
		r.ApplyErrors.Inc()
	}
	return r.Flush()
}

// Flush writes the textfile atomically. It is a no-op without a path.
func (r *Recorder) Flush() error {
	if r.path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(r.path, r.reg)
}
