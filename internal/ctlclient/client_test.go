package ctlclient

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/holla2040/sensorsim/internal/api"
	"github.com/holla2040/sensorsim/internal/control"
	"github.com/holla2040/sensorsim/internal/eventlog"
	"github.com/holla2040/sensorsim/internal/registers"
	"github.com/holla2040/sensorsim/internal/spike"
)

func intp(v int) *int { return &v }

func newTestClient(t *testing.T) (*Client, *control.Plane, *eventlog.Journal) {
	t.Helper()
	store, err := registers.New([]registers.UnitConfig{{
		ID:        1,
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
	journal, err := eventlog.New(":memory:")
	if err != nil {
		t.Fatalf("eventlog.New failed: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	plane := control.New(store, spike.NewTable())
	h := &api.Handler{Plane: plane, Journal: journal, Scale: 100}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return New(srv.URL + "/"), plane, journal
}

func TestStatusAndRegisters(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(st.Units) != 1 || st.Units[0].Unit != 1 {
		t.Errorf("unexpected status %+v", st)
	}

	regs, err := c.Registers(ctx, 1)
	if err != nil {
		t.Fatalf("Registers failed: %v", err)
	}
	if regs.Registers[2] != 1500 {
		t.Errorf("expected 1500 at slot 2, got %d", regs.Registers[2])
	}
}

func TestAPIError(t *testing.T) {
	c, _, _ := newTestClient(t)

	_, err := c.Registers(context.Background(), 42)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "unknown unit 42" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestMutations(t *testing.T) {
	c, plane, _ := newTestClient(t)
	ctx := context.Background()

	disabled, err := c.Disable(ctx, 1, 5)
	if err != nil || len(disabled) != 1 || disabled[0] != 5 {
		t.Fatalf("Disable: %v %v", disabled, err)
	}
	disabled, err = c.Enable(ctx, 1, 5)
	if err != nil || len(disabled) != 0 {
		t.Fatalf("Enable: %v %v", disabled, err)
	}

	bases, err := c.SetBase(ctx, 1, []int{10, 20, 30, 40, 50, 60, 70, 80})
	if err != nil || bases[7] != 80 {
		t.Fatalf("SetBase: %v %v", bases, err)
	}

	paused, err := c.Pause(ctx, true)
	if err != nil || !paused || !plane.GetStatus().Paused {
		t.Fatalf("Pause: %v %v", paused, err)
	}
	paused, err = c.PauseUnit(ctx, 1, false)
	if err != nil || paused {
		t.Fatalf("PauseUnit: %v %v", paused, err)
	}

	jitter := 0.1
	params, err := c.Params(ctx, 1, registers.ParamsUpdate{JitterScale: &jitter})
	if err != nil || params.JitterScale != 0.1 {
		t.Fatalf("Params set: %+v %v", params, err)
	}
	params, err = c.Params(ctx, 1, registers.ParamsUpdate{})
	if err != nil || params.JitterScale != 0.1 || params.Amplitudes[0] != 50 {
		t.Fatalf("Params get: %+v %v", params, err)
	}
}

func TestSpikes(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	res, err := c.Spike(ctx, control.SpikeRequest{Unit: 1, Index: intp(0), Magnitude: intp(100), DurationMs: 60000, Kind: "surge"})
	if err != nil {
		t.Fatalf("Spike failed: %v", err)
	}
	if res.Spike.Kind != "surge" {
		t.Errorf("unexpected spike %+v", res.Spike)
	}

	active, err := c.Spikes(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("Spikes: %v %v", active, err)
	}

	_, err = c.Spike(ctx, control.SpikeRequest{Unit: 1, Index: intp(0), Magnitude: intp(100)})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for zero duration, got %v", err)
	}
}

func TestEventsAndReport(t *testing.T) {
	c, _, journal := newTestClient(t)
	ctx := context.Background()

	if err := journal.Record(eventlog.Entry{Operation: control.OpSetPaused}); err != nil {
		t.Fatal(err)
	}

	events, err := c.Events(ctx, 10)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 1 || events[0].Operation != control.OpSetPaused {
		t.Errorf("unexpected events %+v", events)
	}

	var buf bytes.Buffer
	if err := c.Report(ctx, &buf); err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("%PDF")) {
		t.Error("report is not a PDF")
	}
}

func TestInfo(t *testing.T) {
	c, _, _ := newTestClient(t)

	info, err := c.Info(context.Background())
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if len(info.Units) != 1 || info.Units[0] != 1 {
		t.Errorf("unexpected info %+v", info)
	}
}
