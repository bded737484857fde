// Package systemd starts and stops the controller's systemd unit.
package systemd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultUnit is the unit the installer registers for the controller.
const DefaultUnit = "fan_controller.service"

// runFn executes a command and returns its combined output.
var runFn = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Unit controls one systemd unit through systemctl.
type Unit struct {
	Name string
}

func NewUnit(name string) *Unit {
	if name == "" {
		name = DefaultUnit
	}
	return &Unit{Name: name}
}

func (u *Unit) Stop(ctx context.Context) error { return u.systemctl(ctx, "stop") }

func (u *Unit) Start(ctx context.Context) error { return u.systemctl(ctx, "start") }

func (u *Unit) systemctl(ctx context.Context, verb string) error {
	out, err := runFn(ctx, "systemctl", verb, u.Name)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("systemctl %s %s: %w: %s", verb, u.Name, err, msg)
		}
		return fmt.Errorf("systemctl %s %s: %w", verb, u.Name, err)
	}
	return nil
}
