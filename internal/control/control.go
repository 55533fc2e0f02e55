// Package control is the operator-facing façade over the register store and
// the spike table. Every operation validates its whole input before touching
// state, so an invalid request never applies partially.
package control

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holla2040/sensorsim/internal/metrics"
	"github.com/holla2040/sensorsim/internal/registers"
	"github.com/holla2040/sensorsim/internal/spike"
)

// Operation names used in events and metrics.
const (
	OpDisableSignal  = "disable_signal"
	OpEnableSignal   = "enable_signal"
	OpSetBaseHighs   = "set_base_highs"
	OpSetPaused      = "set_paused"
	OpSetUnitPaused  = "set_unit_paused"
	OpSetParams      = "set_waveform_params"
	OpInjectSpike    = "inject_spike"
	OpApplyProfile   = "apply_profile"
	DefaultSpikeKind = "spike"
	maxKindLength    = 64
)

// Spike bounds. A magnitude larger than one register's range has no visible
// effect beyond saturation.
const (
	MaxSpikeMagnitude = 65535
	MaxSpikeDuration  = 24 * time.Hour
)

// Event describes one successful mutation.
type Event struct {
	Operation string      `json:"operation"`
	Unit      int         `json:"unit,omitempty"`
	Detail    interface{} `json:"detail,omitempty"`
	Time      time.Time   `json:"time"`
}

// Listener receives events synchronously on the caller's goroutine and must
// not block.
type Listener func(Event)

// Plane implements the control operations.
type Plane struct {
	store          *registers.Store
	spikes         *spike.Table
	updateInterval time.Duration
	printInterval  time.Duration
	metrics        *metrics.Metrics
	now            func() time.Time
	listeners      []Listener

	// pauseMu keeps global pause changes from interleaving across units.
	pauseMu sync.Mutex
}

// Option configures the Plane.
type Option func(*Plane)

// WithIntervals sets the intervals reported by GetStatus.
func WithIntervals(update, print time.Duration) Option {
	return func(p *Plane) {
		p.updateInterval = update
		p.printInterval = print
	}
}

// WithMetrics counts every operation by result.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Plane) {
		p.metrics = m
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Plane) {
		p.now = now
	}
}

// WithListener adds an event listener.
func WithListener(l Listener) Option {
	return func(p *Plane) {
		p.listeners = append(p.listeners, l)
	}
}

// New creates a control plane over store and spikes.
func New(store *registers.Store, spikes *spike.Table, opts ...Option) *Plane {
	p := &Plane{
		store:          store,
		spikes:         spikes,
		updateInterval: 5 * time.Millisecond,
		printInterval:  250 * time.Millisecond,
		now:            time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Status is the full simulator state returned by GetStatus.
type Status struct {
	Paused           bool                     `json:"paused"`
	UpdateIntervalMs float64                  `json:"update_interval_ms"`
	PrintIntervalMs  float64                  `json:"print_interval_ms"`
	Units            []registers.UnitSnapshot `json:"units"`
	ActiveSpikes     []spike.Spike            `json:"active_spikes"`
	Time             time.Time                `json:"time"`
}

// GetStatus returns every unit's snapshot and the active spikes. Paused is
// true when every unit is paused.
func (p *Plane) GetStatus() Status {
	now := p.now()
	st := Status{
		Paused:           true,
		UpdateIntervalMs: ms(p.updateInterval),
		PrintIntervalMs:  ms(p.printInterval),
		Units:            []registers.UnitSnapshot{},
		ActiveSpikes:     p.spikes.Active(now),
		Time:             now,
	}
	for _, id := range p.store.Units() {
		snap, err := p.store.Snapshot(id)
		if err != nil {
			continue
		}
		st.Paused = st.Paused && snap.Paused
		st.Units = append(st.Units, snap)
	}
	if len(st.Units) == 0 {
		st.Paused = false
	}
	return st
}

// ActiveSpikes returns the spikes active now.
func (p *Plane) ActiveSpikes() []spike.Spike {
	return p.spikes.Active(p.now())
}

// Units returns the configured unit ids.
func (p *Plane) Units() []int {
	return p.store.Units()
}

// UnitRegisters is the result of GetUnitRegisters.
type UnitRegisters struct {
	Unit      int   `json:"unit"`
	Paused    bool  `json:"paused"`
	Registers []int `json:"registers"`
	Disabled  []int `json:"disabled"`
}

// GetUnitRegisters returns the unit's 16 registers and its disabled set.
func (p *Plane) GetUnitRegisters(unit int) (UnitRegisters, error) {
	snap, err := p.store.Snapshot(unit)
	if err != nil {
		return UnitRegisters{}, err
	}
	return UnitRegisters{
		Unit:      unit,
		Paused:    snap.Paused,
		Registers: snap.Registers,
		Disabled:  snap.Disabled,
	}, nil
}

// DisableSignal forces a signal to 0 until re-enabled. Disabling an already
// disabled signal is a no-op.
func (p *Plane) DisableSignal(unit, index int) ([]int, error) {
	return p.toggle(OpDisableSignal, unit, index, p.store.SetDisabled)
}

// EnableSignal returns a signal to its waveform. Enabling an enabled signal is
// a no-op.
func (p *Plane) EnableSignal(unit, index int) ([]int, error) {
	return p.toggle(OpEnableSignal, unit, index, p.store.ClearDisabled)
}

func (p *Plane) toggle(op string, unit, index int, apply func(int, int) error) ([]int, error) {
	if err := apply(unit, index); err != nil {
		return nil, p.fail(op, err)
	}
	set, err := p.store.DisabledSet(unit)
	if err != nil {
		return nil, p.fail(op, err)
	}
	p.emit(op, unit, map[string]interface{}{"index": index, "disabled": set})
	return set, nil
}

// SetBaseHighs replaces the unit's eight base values and returns them as stored.
func (p *Plane) SetBaseHighs(unit int, values []int) ([]int, error) {
	if err := p.store.SetBaseHighs(unit, values); err != nil {
		return nil, p.fail(OpSetBaseHighs, err)
	}
	stored, err := p.store.BaseHighs(unit)
	if err != nil {
		return nil, p.fail(OpSetBaseHighs, err)
	}
	p.emit(OpSetBaseHighs, unit, map[string]interface{}{"base_highs": stored})
	return stored, nil
}

// SetPaused pauses or resumes every unit. A nil flag is a validation error.
func (p *Plane) SetPaused(paused *bool) (bool, error) {
	if paused == nil {
		return false, p.fail(OpSetPaused, &registers.ValidationError{Field: "paused", Reason: "boolean is required"})
	}

	p.pauseMu.Lock()
	for _, id := range p.store.Units() {
		if err := p.store.SetPaused(id, *paused); err != nil {
			p.pauseMu.Unlock()
			return false, p.fail(OpSetPaused, err)
		}
	}
	p.pauseMu.Unlock()

	p.emit(OpSetPaused, 0, map[string]interface{}{"paused": *paused})
	return *paused, nil
}

// SetUnitPaused pauses or resumes one unit.
func (p *Plane) SetUnitPaused(unit int, paused *bool) (bool, error) {
	if paused == nil {
		return false, p.fail(OpSetUnitPaused, &registers.ValidationError{Field: "paused", Reason: "boolean is required"})
	}
	if err := p.store.SetPaused(unit, *paused); err != nil {
		return false, p.fail(OpSetUnitPaused, err)
	}
	p.emit(OpSetUnitPaused, unit, map[string]interface{}{"paused": *paused})
	return *paused, nil
}

// WaveformParams returns the unit's parameters, first applying upd when it
// carries any field.
func (p *Plane) WaveformParams(unit int, upd registers.ParamsUpdate) (registers.Params, error) {
	if upd.IsEmpty() {
		params, err := p.store.WaveformParams(unit)
		if err != nil {
			return registers.Params{}, p.fail(OpSetParams, err)
		}
		return params, nil
	}
	params, err := p.store.SetWaveformParams(unit, upd)
	if err != nil {
		return registers.Params{}, p.fail(OpSetParams, err)
	}
	p.emit(OpSetParams, unit, params)
	return params, nil
}

// SpikeRequest is the input of InjectSpike. Index and Magnitude are required.
type SpikeRequest struct {
	Unit       int    `json:"unit"`
	Index      *int   `json:"index"`
	Magnitude  *int   `json:"magnitude"`
	DurationMs int    `json:"duration_ms"`
	Kind       string `json:"kind,omitempty"`
}

// SpikeResult is the output of InjectSpike.
type SpikeResult struct {
	Spike  spike.Spike   `json:"spike"`
	Active []spike.Spike `json:"active_spikes"`
}

// InjectSpike adds a timed overlay to one signal. Kind defaults to "spike".
func (p *Plane) InjectSpike(req SpikeRequest) (SpikeResult, error) {
	if !p.store.Has(req.Unit) {
		return SpikeResult{}, p.fail(OpInjectSpike, &registers.UnknownUnitError{Unit: req.Unit})
	}
	if req.Index == nil {
		return SpikeResult{}, p.fail(OpInjectSpike, &registers.ValidationError{Field: "index", Reason: "signal index is required"})
	}
	if err := registers.CheckIndex(*req.Index); err != nil {
		return SpikeResult{}, p.fail(OpInjectSpike, err)
	}
	if req.Magnitude == nil {
		return SpikeResult{}, p.fail(OpInjectSpike, &registers.ValidationError{Field: "magnitude", Reason: "magnitude is required"})
	}
	if m := *req.Magnitude; m < -MaxSpikeMagnitude || m > MaxSpikeMagnitude {
		return SpikeResult{}, p.fail(OpInjectSpike, &registers.ValidationError{
			Field: "magnitude", Reason: fmt.Sprintf("%d out of range ±%d", m, MaxSpikeMagnitude),
		})
	}
	if req.DurationMs <= 0 || int64(req.DurationMs) > MaxSpikeDuration.Milliseconds() {
		return SpikeResult{}, p.fail(OpInjectSpike, &registers.ValidationError{
			Field: "duration_ms", Reason: fmt.Sprintf("must be between 1 and %d milliseconds", MaxSpikeDuration.Milliseconds()),
		})
	}
	if len(req.Kind) > maxKindLength {
		return SpikeResult{}, p.fail(OpInjectSpike, &registers.ValidationError{
			Field: "kind", Reason: "label longer than 64 characters",
		})
	}
	kind := req.Kind
	if kind == "" {
		kind = DefaultSpikeKind
	}

	now := p.now()
	s := spike.New(req.Unit, *req.Index, *req.Magnitude, kind, now, time.Duration(req.DurationMs)*time.Millisecond)
	p.spikes.Insert(s)
	p.metrics.SpikesStored(p.spikes.Len())
	p.emit(OpInjectSpike, req.Unit, s)

	return SpikeResult{Spike: s, Active: p.spikes.Active(now)}, nil
}

// ApplyProfile replaces a unit's bases and waveform parameters together, as a
// configuration reload does. Both are validated before either is applied.
func (p *Plane) ApplyProfile(unit int, bases []int, params registers.Params) error {
	if !p.store.Has(unit) {
		return p.fail(OpApplyProfile, &registers.UnknownUnitError{Unit: unit})
	}
	if err := registers.ValidateBaseHighs(bases); err != nil {
		return p.fail(OpApplyProfile, err)
	}
	upd := params.Update()
	if err := registers.ValidateParams(upd); err != nil {
		return p.fail(OpApplyProfile, err)
	}
	if err := p.store.SetBaseHighs(unit, bases); err != nil {
		return p.fail(OpApplyProfile, err)
	}
	if _, err := p.store.SetWaveformParams(unit, upd); err != nil {
		return p.fail(OpApplyProfile, err)
	}
	p.emit(OpApplyProfile, unit, map[string]interface{}{"base_highs": bases, "params": params})
	return nil
}

func (p *Plane) fail(op string, err error) error {
	p.metrics.ControlRequest(op, Result(err))
	return err
}

func (p *Plane) emit(op string, unit int, detail interface{}) {
	p.metrics.ControlRequest(op, "ok")
	ev := Event{Operation: op, Unit: unit, Detail: detail, Time: p.now()}
	for _, l := range p.listeners {
		l(ev)
	}
}

// Result classifies an operation error for metrics and logs.
func Result(err error) string {
	var invalid *registers.ValidationError
	var unknown *registers.UnknownUnitError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &invalid):
		return "invalid"
	case errors.As(err, &unknown):
		return "unknown_unit"
	default:
		return "error"
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
