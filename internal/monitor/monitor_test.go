package monitor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holla2040/sensorsim/internal/control"
	"github.com/holla2040/sensorsim/internal/registers"
	"github.com/holla2040/sensorsim/internal/spike"
)

func intp(v int) *int { return &v }

func newPlane(t *testing.T) *control.Plane {
	t.Helper()
	store, err := registers.New([]registers.UnitConfig{{
		ID:        3,
		BaseHighs: []int{2200, 1500, 3000, 500, 20, 1000, 1800, 250},
		Params: registers.Params{
			Amplitudes:  []int{50, 30, 100, 10, 5, 80, 120, 20},
			Periods:     []float64{8, 6, 12, 10, 3, 9, 7, 11},
			JitterScale: 0.02,
		},
	}})
	if err != nil {
		t.Fatalf("registers.New failed: %v", err)
	}
	return control.New(store, spike.NewTable(), control.WithIntervals(5*time.Millisecond, 250*time.Millisecond))
}

func TestRender(t *testing.T) {
	plane := newPlane(t)
	m := New(plane, map[int][]string{3: {"Voltage (x0.01 V)", "Current (x0.01 A)"}}, time.Second, nil)

	out := m.Render(plane.GetStatus())

	for _, want := range []string{
		"Unit 3",
		"Voltage (x0.01 V)",
		"22.000",
		"(regs 0,1 => 2200)",
		"Signal 7",
		"(regs 14,15 => 250)",
		"prints every 250ms",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderMarksState(t *testing.T) {
	plane := newPlane(t)
	paused := true
	if _, err := plane.SetUnitPaused(3, &paused); err != nil {
		t.Fatal(err)
	}
	if _, err := plane.DisableSignal(3, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := plane.InjectSpike(control.SpikeRequest{Unit: 3, Index: intp(5), Magnitude: intp(10), DurationMs: 60000}); err != nil {
		t.Fatal(err)
	}

	out := New(plane, nil, time.Second, nil).Render(plane.GetStatus())
	if !strings.Contains(out, "PAUSED") {
		t.Error("paused unit not marked")
	}
	if !strings.Contains(out, "(regs 4,5 => 3000)  off") {
		t.Errorf("disabled signal not marked:\n%s", out)
	}
	if !strings.Contains(out, "spike") {
		t.Error("spiking signal not marked")
	}
}

// syncBuffer guards a bytes.Buffer written by Run's goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunPrintsUntilCancelled(t *testing.T) {
	var out syncBuffer
	m := New(newPlane(t), nil, 10*time.Millisecond, &out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !strings.Contains(out.String(), "Unit 3") {
		t.Error("expected at least one print")
	}
}
