package control

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holla2040/sensorsim/internal/metrics"
	"github.com/holla2040/sensorsim/internal/registers"
	"github.com/holla2040/sensorsim/internal/spike"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var bases = []int{2200, 1500, 3000, 500, 20, 1000, 1800, 250}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store  *registers.Store
	spikes *spike.Table
	clock  *fakeClock
	plane  *Plane
	m      *metrics.Metrics

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var configs []registers.UnitConfig
	for _, id := range []int{1, 2} {
		configs = append(configs, registers.UnitConfig{
			ID:        id,
			BaseHighs: bases,
			Params: registers.Params{
				Amplitudes:  []int{50, 30, 100, 10, 5, 80, 120, 20},
				Periods:     []float64{8, 6, 12, 10, 3, 9, 7, 11},
				JitterScale: 0.02,
			},
		})
	}
	store, err := registers.New(configs)
	if err != nil {
		t.Fatalf("registers.New failed: %v", err)
	}

	f := &fixture{
		store:  store,
		spikes: spike.NewTable(),
		clock:  &fakeClock{now: time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)},
		m:      metrics.New(),
	}
	f.plane = New(store, f.spikes,
		WithClock(f.clock.Now),
		WithMetrics(f.m),
		WithIntervals(5*time.Millisecond, 250*time.Millisecond),
		WithListener(func(ev Event) {
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
		}),
	)
	return f
}

func (f *fixture) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func boolPtr(b bool) *bool { return &b }

func intp(v int) *int { return &v }

func isValidation(err error) bool {
	var ve *registers.ValidationError
	return errors.As(err, &ve)
}

func TestGetStatusInitial(t *testing.T) {
	f := newFixture(t)
	st := f.plane.GetStatus()

	if st.Paused {
		t.Error("expected not paused")
	}
	if st.UpdateIntervalMs != 5 || st.PrintIntervalMs != 250 {
		t.Errorf("unexpected intervals %v / %v", st.UpdateIntervalMs, st.PrintIntervalMs)
	}
	if len(st.Units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(st.Units))
	}
	if st.Units[0].Registers[0] != 2200 {
		t.Errorf("expected slot 0 = 2200, got %d", st.Units[0].Registers[0])
	}
	if st.ActiveSpikes == nil || len(st.ActiveSpikes) != 0 {
		t.Errorf("expected empty non-nil spike list, got %v", st.ActiveSpikes)
	}
}

func TestDisableEnableIdempotent(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		set, err := f.plane.DisableSignal(1, 3)
		if err != nil {
			t.Fatalf("DisableSignal failed: %v", err)
		}
		if len(set) != 1 || set[0] != 3 {
			t.Errorf("call %d: expected [3], got %v", i, set)
		}
	}

	for i := 0; i < 2; i++ {
		set, err := f.plane.EnableSignal(1, 3)
		if err != nil {
			t.Fatalf("EnableSignal failed: %v", err)
		}
		if len(set) != 0 {
			t.Errorf("call %d: expected empty set, got %v", i, set)
		}
	}

	regs, err := f.plane.GetUnitRegisters(1)
	if err != nil {
		t.Fatalf("GetUnitRegisters failed: %v", err)
	}
	if len(regs.Disabled) != 0 {
		t.Errorf("expected no disabled signals, got %v", regs.Disabled)
	}
}

func TestDisableSignalValidation(t *testing.T) {
	f := newFixture(t)

	for _, idx := range []int{-1, 8, 100} {
		if _, err := f.plane.DisableSignal(1, idx); !isValidation(err) {
			t.Errorf("index %d: expected ValidationError, got %v", idx, err)
		}
	}
	var unknown *registers.UnknownUnitError
	if _, err := f.plane.DisableSignal(9, 0); !errors.As(err, &unknown) {
		t.Errorf("expected UnknownUnitError, got %v", err)
	}
	if f.eventCount() != 0 {
		t.Errorf("failed operations emitted %d events", f.eventCount())
	}
	if got := testutil.ToFloat64(f.m.ControlRequests.WithLabelValues(OpDisableSignal, "invalid")); got != 3 {
		t.Errorf("expected 3 invalid requests counted, got %v", got)
	}
}

func TestSetBaseHighs(t *testing.T) {
	f := newFixture(t)

	want := []int{2300, 1500, 3000, 500, 20, 1000, 1800, 250}
	got, err := f.plane.SetBaseHighs(1, want)
	if err != nil {
		t.Fatalf("SetBaseHighs failed: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if _, err := f.plane.SetBaseHighs(1, []int{1, 2, 3}); !isValidation(err) {
		t.Errorf("expected ValidationError for short array, got %v", err)
	}
	stored, _ := f.store.BaseHighs(1)
	if stored[0] != 2300 {
		t.Errorf("invalid request changed bases: %v", stored)
	}
}

func TestSetPausedGlobal(t *testing.T) {
	f := newFixture(t)

	if _, err := f.plane.SetPaused(nil); !isValidation(err) {
		t.Errorf("expected ValidationError for missing flag, got %v", err)
	}

	paused, err := f.plane.SetPaused(boolPtr(true))
	if err != nil || !paused {
		t.Fatalf("SetPaused(true) = %v, %v", paused, err)
	}
	if !f.plane.GetStatus().Paused {
		t.Error("expected status paused")
	}
	for _, id := range f.store.Units() {
		if p, _ := f.store.IsPaused(id); !p {
			t.Errorf("unit %d not paused", id)
		}
	}

	if _, err := f.plane.SetUnitPaused(2, boolPtr(false)); err != nil {
		t.Fatalf("SetUnitPaused failed: %v", err)
	}
	if f.plane.GetStatus().Paused {
		t.Error("expected global paused false when one unit runs")
	}
}

func TestWaveformParamsGetOrSet(t *testing.T) {
	f := newFixture(t)

	params, err := f.plane.WaveformParams(1, registers.ParamsUpdate{})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if params.JitterScale != 0.02 || params.Amplitudes[0] != 50 {
		t.Errorf("unexpected params %+v", params)
	}
	if f.eventCount() != 0 {
		t.Error("a read emitted an event")
	}

	jitter := 0.0
	params, err = f.plane.WaveformParams(1, registers.ParamsUpdate{JitterScale: &jitter})
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if params.JitterScale != 0 || params.Amplitudes[0] != 50 {
		t.Errorf("partial update lost fields: %+v", params)
	}

	_, err = f.plane.WaveformParams(1, registers.ParamsUpdate{
		Amplitudes: []int{1, 2, 3},
		Periods:    []float64{1, 1, 1, 1, 1, 1, 1, 1},
	})
	if !isValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	params, _ = f.store.WaveformParams(1)
	if params.Periods[0] != 8 {
		t.Errorf("invalid update applied periods: %v", params.Periods)
	}
}

func TestInjectSpike(t *testing.T) {
	f := newFixture(t)

	res, err := f.plane.InjectSpike(SpikeRequest{Unit: 2, Index: intp(5), Magnitude: intp(5000), DurationMs: 200})
	if err != nil {
		t.Fatalf("InjectSpike failed: %v", err)
	}
	if res.Spike.Kind != DefaultSpikeKind {
		t.Errorf("expected default kind, got %q", res.Spike.Kind)
	}
	if res.Spike.ID == "" {
		t.Error("expected spike id")
	}
	if len(res.Active) != 1 {
		t.Fatalf("expected 1 active spike, got %d", len(res.Active))
	}

	f.clock.Advance(199 * time.Millisecond)
	if n := len(f.plane.GetStatus().ActiveSpikes); n != 1 {
		t.Errorf("before expiry: expected 1 active spike, got %d", n)
	}
	f.clock.Advance(time.Millisecond)
	if n := len(f.plane.GetStatus().ActiveSpikes); n != 0 {
		t.Errorf("at expiry: expected no active spikes, got %d", n)
	}
}

func TestInjectSpikeValidation(t *testing.T) {
	f := newFixture(t)

	cases := []SpikeRequest{
		{Unit: 1, Index: intp(8), Magnitude: intp(1), DurationMs: 10},
		{Unit: 1, Index: intp(-1), Magnitude: intp(1), DurationMs: 10},
		{Unit: 1, Index: intp(0), Magnitude: intp(1), DurationMs: 0},
		{Unit: 1, Index: intp(0), Magnitude: intp(1), DurationMs: -5},
		{Unit: 1, Index: intp(0), Magnitude: intp(1), DurationMs: 10, Kind: string(make([]byte, 65))},
		{Unit: 1, Magnitude: intp(5000), DurationMs: 200},
		{Unit: 1, Index: intp(2), DurationMs: 200},
		{Unit: 1, Index: intp(2), Magnitude: intp(MaxSpikeMagnitude + 1), DurationMs: 200},
		{Unit: 1, Index: intp(2), Magnitude: intp(-MaxSpikeMagnitude - 1), DurationMs: 200},
		{Unit: 1, Index: intp(2), Magnitude: intp(1), DurationMs: 10_000_000_000_000},
		{Unit: 1, Index: intp(2), Magnitude: intp(1), DurationMs: int(MaxSpikeDuration.Milliseconds()) + 1},
	}
	for _, req := range cases {
		if _, err := f.plane.InjectSpike(req); !isValidation(err) {
			t.Errorf("%+v: expected ValidationError, got %v", req, err)
		}
	}
	var unknown *registers.UnknownUnitError
	if _, err := f.plane.InjectSpike(SpikeRequest{Unit: 3, Index: intp(0), DurationMs: 10}); !errors.As(err, &unknown) {
		t.Errorf("expected UnknownUnitError, got %v", err)
	}
	if f.spikes.Len() != 0 {
		t.Errorf("rejected requests stored %d spikes", f.spikes.Len())
	}
}

func TestConcurrentInjectSpikeNoLostUpdates(t *testing.T) {
	f := newFixture(t)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.plane.InjectSpike(SpikeRequest{Unit: 1, Index: intp(4), Magnitude: intp(1), DurationMs: 1000 + i})
			if err != nil {
				t.Errorf("InjectSpike failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	active := f.spikes.ActiveFor(1, 4, f.clock.Now())
	if len(active) != n {
		t.Fatalf("expected %d active spikes, got %d", n, len(active))
	}

	f.clock.Advance(1000*time.Millisecond + 25*time.Millisecond)
	if got := len(f.spikes.ActiveFor(1, 4, f.clock.Now())); got != n-26 {
		t.Errorf("expected %d spikes left after partial expiry, got %d", n-26, got)
	}
}

func TestApplyProfileValidatesBoth(t *testing.T) {
	f := newFixture(t)

	badParams := registers.Params{
		Amplitudes: []int{0, 0, 0, 0, 0, 0, 0, 0},
		Periods:    []float64{1, 1, 1, 1, 1, 1, 1, 0},
	}
	newBases := []int{1, 2, 3, 4, 5, 6, 7, 8}
	if err := f.plane.ApplyProfile(1, newBases, badParams); !isValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if stored, _ := f.store.BaseHighs(1); stored[0] != 2200 {
		t.Errorf("bases applied despite invalid params: %v", stored)
	}

	goodParams := registers.Params{
		Amplitudes:  []int{0, 0, 0, 0, 0, 0, 0, 0},
		Periods:     []float64{1, 1, 1, 1, 1, 1, 1, 1},
		JitterScale: 0,
	}
	if err := f.plane.ApplyProfile(1, newBases, goodParams); err != nil {
		t.Fatalf("ApplyProfile failed: %v", err)
	}
	ctrl, _ := f.store.Control(1)
	if ctrl.BaseHighs[7] != 8 || ctrl.Amplitudes[0] != 0 || ctrl.Periods[0] != 1 {
		t.Errorf("profile not applied: %+v", ctrl)
	}
}

func TestEventsEmittedOnSuccess(t *testing.T) {
	f := newFixture(t)

	f.plane.DisableSignal(1, 0)
	f.plane.SetBaseHighs(2, bases)
	f.plane.InjectSpike(SpikeRequest{Unit: 1, Index: intp(1), Magnitude: intp(10), DurationMs: 50, Kind: "surge"})

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(f.events))
	}
	ops := []string{OpDisableSignal, OpSetBaseHighs, OpInjectSpike}
	for i, op := range ops {
		if f.events[i].Operation != op {
			t.Errorf("event %d: expected %s, got %s", i, op, f.events[i].Operation)
		}
	}
	if f.events[1].Unit != 2 {
		t.Errorf("expected unit 2, got %d", f.events[1].Unit)
	}
}

func TestResult(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&registers.ValidationError{Field: "x"}, "invalid"},
		{&registers.UnknownUnitError{Unit: 4}, "unknown_unit"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := Result(tt.err); got != tt.want {
			t.Errorf("Result(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
