package fancontrol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe to read while the loop logs.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	return out
}

func recordsWithMessage(recs []map[string]any, msg string) []map[string]any {
	var out []map[string]any
	for _, r := range recs {
		if r["message"] == msg {
			out = append(out, r)
		}
	}
	return out
}

// immediateSleep makes the inter-cycle sleep fire at once until ctx is done,
// after which it never fires.
func immediateSleep(t *testing.T, ctx context.Context) {
	t.Helper()
	old := afterFn
	afterFn = func(time.Duration) <-chan time.Time {
		if ctx.Err() != nil {
			return nil
		}
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	t.Cleanup(func() { afterFn = old })
}

// cancelAfter cancels once the channel has been set n times.
func cancelAfter(ch *fakeChannel, n int, cancel context.CancelFunc) {
	ch.onSet = func(got int) {
		if got == n {
			cancel()
		}
	}
}

func newTestLoop(t *testing.T, drv Driver, src TemperatureSource, obs Observer) (*Loop, *syncBuffer) {
	t.Helper()
	logs := &syncBuffer{}
	l, err := NewLoop(LoopConfig{
		Driver:   drv,
		Source:   src,
		Logger:   zerolog.New(logs),
		Observer: obs,
	})
	require.NoError(t, err)
	return l, logs
}

func TestLoop_EndToEndStepSequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	immediateSleep(t, ctx)

	ch := &fakeChannel{}
	cancelAfter(ch, 5, cancel)
	src := &scriptedSource{readings: temps(35, 45, 55, 65, 75)}
	l, logs := newTestLoop(t, &fakeDriver{ch: ch}, src, nil)

	require.NoError(t, l.Run(ctx))

	assert.Equal(t, []DutyCycle{DutyOff, Duty30, Duty50, Duty70, DutyFull}, ch.Applied())
	var fan []string
	for _, r := range recordsWithMessage(logs.records(t), "cycle") {
		fan = append(fan, r["fan"].(string))
	}
	assert.Equal(t, []string{"OFF", "30%", "50%", "70%", "100%"}, fan)
	assert.Equal(t, 1, ch.ReleaseCalls())
	assert.Equal(t, StateStopped, l.State())
}

func TestLoop_ReadFailureAppliesOffAndContinues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	immediateSleep(t, ctx)

	ch := &fakeChannel{}
	cancelAfter(ch, 2, cancel)
	src := &scriptedSource{readings: []reading{
		{tempC: 0, err: &ReadError{Source: "vcgencmd", Err: errors.New("not found")}},
		{tempC: 55},
	}}
	l, logs := newTestLoop(t, &fakeDriver{ch: ch}, src, nil)

	require.NoError(t, l.Run(ctx))

	assert.Equal(t, []DutyCycle{DutyOff, Duty50}, ch.Applied())
	recs := logs.records(t)
	failures := recordsWithMessage(recs, "Failed to read CPU temperature")
	require.Len(t, failures, 1)
	assert.Equal(t, "error", failures[0]["level"])
	cycles := recordsWithMessage(recs, "cycle")
	require.Len(t, cycles, 2)
	assert.Equal(t, 0.0, cycles[0]["temp_c"])
	assert.Equal(t, "OFF", cycles[0]["fan"])
}

func TestLoop_ApplyFailureIsLoggedAndLoopContinues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	immediateSleep(t, ctx)

	ch := &fakeChannel{setErrs: []error{
		&ActuatorError{Backend: BackendSoftPWM, Op: opSetDuty, Err: errors.New("line busy")},
	}}
	cancelAfter(ch, 3, cancel)
	src := &scriptedSource{readings: temps(45, 45, 65)}
	l, logs := newTestLoop(t, &fakeDriver{ch: ch}, src, nil)

	require.NoError(t, l.Run(ctx))

	assert.Equal(t, []DutyCycle{Duty30, Duty30, Duty70}, ch.Applied())
	assert.Len(t, recordsWithMessage(logs.records(t), "Failed to set fan speed"), 1)
	assert.Equal(t, 1, ch.ReleaseCalls())
}

func TestLoop_CancelDuringSleepReleasesOnce(t *testing.T) {
	old := afterFn
	sleeping := make(chan struct{})
	afterFn = func(time.Duration) <-chan time.Time {
		close(sleeping)
		return nil
	}
	t.Cleanup(func() { afterFn = old })

	ch := &fakeChannel{}
	src := &scriptedSource{readings: temps(52)}
	l, _ := newTestLoop(t, &fakeDriver{ch: ch}, src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	select {
	case <-sleeping:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop never reached the sleep")
	}
	assert.Equal(t, StateRunning, l.State())
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, 1, ch.ReleaseCalls())
	assert.Equal(t, []DutyCycle{Duty50}, ch.Applied())
}

func TestLoop_StartupFailureDoesNotRelease(t *testing.T) {
	ch := &fakeChannel{}
	initErr := &ActuatorError{Backend: BackendHardPWM, Op: "claim", Err: errors.New("/dev/gpiomem: permission denied")}
	l, _ := newTestLoop(t, &fakeDriver{ch: ch, initErr: initErr}, &scriptedSource{}, nil)

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsStartupError(err))
	assert.ErrorIs(t, err, initErr)
	assert.False(t, IsRecoverable(err))
	assert.Equal(t, 0, ch.ReleaseCalls())
	assert.Equal(t, StateStopped, l.State())
}

func TestLoop_PanicInCycleStopsWithUnexpectedError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	immediateSleep(t, ctx)

	ch := &fakeChannel{}
	src := &scriptedSource{readings: temps(45, 45), panicAt: 2}
	l, logs := newTestLoop(t, &fakeDriver{ch: ch}, src, nil)

	err := l.Run(ctx)
	var ue *UnexpectedError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, err.Error(), "sensor exploded")
	assert.Equal(t, 1, ch.ReleaseCalls())
	assert.Equal(t, StateStopped, l.State())
	assert.Len(t, recordsWithMessage(logs.records(t), "Unexpected error, stopping"), 1)
}

func TestLoop_UnclassifiedApplyErrorStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	immediateSleep(t, ctx)

	ch := &fakeChannel{setErrs: []error{ErrReleased}}
	l, _ := newTestLoop(t, &fakeDriver{ch: ch}, &scriptedSource{readings: temps(61)}, nil)

	err := l.Run(ctx)
	require.ErrorIs(t, err, ErrReleased)
	assert.Equal(t, 1, ch.ReleaseCalls())
}

func TestLoop_ReleaseFailureDoesNotMaskExitCause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	immediateSleep(t, ctx)

	ch := &fakeChannel{releaseErr: errors.New("close failed")}
	cancelAfter(ch, 1, cancel)
	l, logs := newTestLoop(t, &fakeDriver{ch: ch}, &scriptedSource{readings: temps(30)}, nil)

	require.NoError(t, l.Run(ctx))
	assert.Equal(t, 1, ch.ReleaseCalls())
	assert.Len(t, recordsWithMessage(logs.records(t), "Failed to release fan output"), 1)
}

func TestLoop_ReleasePanicIsSwallowed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	immediateSleep(t, ctx)

	ch := &fakeChannel{releasePanic: true}
	src := &scriptedSource{readings: temps(45), panicAt: 2}
	l, _ := newTestLoop(t, &fakeDriver{ch: ch}, src, nil)

	err := l.Run(ctx)
	var ue *UnexpectedError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, err.Error(), "sensor exploded")
	assert.Equal(t, 1, ch.ReleaseCalls())
	assert.Equal(t, StateStopped, l.State())
}

func TestLoop_RunOnlyOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	immediateSleep(t, ctx)

	ch := &fakeChannel{}
	cancelAfter(ch, 1, cancel)
	l, _ := newTestLoop(t, &fakeDriver{ch: ch}, &scriptedSource{readings: temps(20)}, nil)

	require.NoError(t, l.Run(ctx))
	require.Error(t, l.Run(context.Background()))
	assert.Equal(t, 1, ch.ReleaseCalls())
}

type recordingObserver struct {
	cycles []Cycle
	err    error
}

func (o *recordingObserver) ObserveCycle(c Cycle) error {
	o.cycles = append(o.cycles, c)
	return o.err
}

func TestLoop_ObserverSeesEveryCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	immediateSleep(t, ctx)

	ch := &fakeChannel{}
	cancelAfter(ch, 2, cancel)
	obs := &recordingObserver{err: errors.New("disk full")}
	src := &scriptedSource{readings: []reading{
		{tempC: 71},
		{err: &ReadError{Source: "script", Err: errors.New("garbled")}},
	}}
	l, logs := newTestLoop(t, &fakeDriver{ch: ch}, src, obs)

	require.NoError(t, l.Run(ctx))

	require.Len(t, obs.cycles, 2)
	assert.Equal(t, DutyFull, obs.cycles[0].Duty)
	assert.Equal(t, 71.0, obs.cycles[0].TempC)
	assert.Error(t, obs.cycles[1].ReadErr)
	assert.Equal(t, DutyOff, obs.cycles[1].Duty)
	assert.Len(t, recordsWithMessage(logs.records(t), "Failed to record cycle metrics"), 2)

	last, ok := l.Last()
	require.True(t, ok)
	assert.Equal(t, DutyOff, last.Duty)
}

func TestNewLoop_RequiresDriverAndSource(t *testing.T) {
	_, err := NewLoop(LoopConfig{Source: &scriptedSource{}})
	assert.Error(t, err)
	_, err = NewLoop(LoopConfig{Driver: &fakeDriver{}})
	assert.Error(t, err)

	l, err := NewLoop(LoopConfig{Driver: &fakeDriver{}, Source: &scriptedSource{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, l.interval)
	assert.Equal(t, StateStarting, l.State())
}
