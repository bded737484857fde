package fancontrol

import (
	"context"
	"errors"
	"sync"
)

type fakeChannel struct {
	mu           sync.Mutex
	applied      []DutyCycle
	setErrs      []error // consumed one per SetDutyCycle call
	onSet        func(n int)
	releaseCalls int
	releaseErr   error
	releasePanic bool
}

func (c *fakeChannel) SetDutyCycle(d DutyCycle) error {
	c.mu.Lock()
	c.applied = append(c.applied, d)
	n := len(c.applied)
	var err error
	if len(c.setErrs) > 0 {
		err = c.setErrs[0]
		c.setErrs = c.setErrs[1:]
	}
	hook := c.onSet
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return err
}

func (c *fakeChannel) Release() error {
	c.mu.Lock()
	c.releaseCalls++
	c.mu.Unlock()
	if c.releasePanic {
		panic("release exploded")
	}
	return c.releaseErr
}

func (c *fakeChannel) Applied() []DutyCycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DutyCycle(nil), c.applied...)
}

func (c *fakeChannel) ReleaseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseCalls
}

type fakeDriver struct {
	ch      *fakeChannel
	initErr error
}

func (d *fakeDriver) Backend() Backend { return BackendHardPWM }

func (d *fakeDriver) Initialize() (Channel, error) {
	if d.initErr != nil {
		return nil, d.initErr
	}
	return d.ch, nil
}

type reading struct {
	tempC float64
	err   error
}

// scriptedSource returns readings in order, then fails.
type scriptedSource struct {
	mu       sync.Mutex
	readings []reading
	panicAt  int // 1-based; 0 disables
	calls    int
}

func (s *scriptedSource) Read(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panicAt > 0 && s.calls == s.panicAt {
		panic("sensor exploded")
	}
	if len(s.readings) == 0 {
		return FailSafeTemperature, &ReadError{Source: "script", Err: errors.New("exhausted")}
	}
	r := s.readings[0]
	s.readings = s.readings[1:]
	return r.tempC, r.err
}

func temps(vs ...float64) []reading {
	out := make([]reading, 0, len(vs))
	for _, v := range vs {
		out = append(out, reading{tempC: v})
	}
	return out
}
