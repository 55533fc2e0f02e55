// Package registers holds the authoritative per-unit simulation state: the
// 16-slot holding register block of every unit together with its control
// flags (pause, disabled signals, base values, waveform parameters).
//
// Every unit is guarded by its own RWMutex. The unit set is fixed at
// construction, so lookups need no lock and operations on different units
// never contend.
package registers

import (
	"math"
	"sort"
	"sync"
)

const (
	// SignalCount is the number of simulated signals per unit.
	SignalCount = 8
	// BlockSize is the number of holding registers per unit (two per signal).
	BlockSize = 2 * SignalCount
	// MaxValue is the largest value a single 16-bit register can hold.
	MaxValue = math.MaxUint16
)

// Params are the waveform parameters of one unit.
type Params struct {
	Amplitudes  []int     `json:"amplitudes" yaml:"amplitudes"`
	Periods     []float64 `json:"periods" yaml:"periods"`
	JitterScale float64   `json:"jitter_scale" yaml:"jitter_scale"`
}

// ParamsUpdate is a partial update of Params. Nil fields keep their prior value.
type ParamsUpdate struct {
	Amplitudes  []int     `json:"amplitudes,omitempty"`
	Periods     []float64 `json:"periods,omitempty"`
	JitterScale *float64  `json:"jitter_scale,omitempty"`
}

// Update returns p as a full ParamsUpdate.
func (p Params) Update() ParamsUpdate {
	j := p.JitterScale
	return ParamsUpdate{Amplitudes: p.Amplitudes, Periods: p.Periods, JitterScale: &j}
}

// IsEmpty reports whether the update carries no fields.
func (u ParamsUpdate) IsEmpty() bool {
	return u.Amplitudes == nil && u.Periods == nil && u.JitterScale == nil
}

// UnitConfig is the initial state of one unit.
type UnitConfig struct {
	ID        int
	BaseHighs []int
	Params    Params
}

// Control is a point-in-time copy of a unit's control flags. The scheduler
// takes one at the start of every tick.
type Control struct {
	Paused      bool
	Disabled    [SignalCount]bool
	BaseHighs   [SignalCount]int
	Amplitudes  [SignalCount]int
	Periods     [SignalCount]float64
	JitterScale float64
}

type unit struct {
	mu          sync.RWMutex
	registers   [BlockSize]int
	baseHighs   [SignalCount]int
	disabled    [SignalCount]bool
	amplitudes  [SignalCount]int
	periods     [SignalCount]float64
	jitterScale float64
	paused      bool
}

// Store is the register store for a fixed set of units.
type Store struct {
	units map[int]*unit
	ids   []int
}

// New creates a store with the given units. Each unit's registers start at
// its base values.
func New(configs []UnitConfig) (*Store, error) {
	if len(configs) == 0 {
		return nil, invalid("units", "at least one unit is required")
	}
	s := &Store{units: make(map[int]*unit, len(configs))}
	for _, c := range configs {
		if c.ID <= 0 {
			return nil, invalid("unit", "unit id must be positive, got %d", c.ID)
		}
		if _, dup := s.units[c.ID]; dup {
			return nil, invalid("unit", "duplicate unit id %d", c.ID)
		}
		if err := ValidateBaseHighs(c.BaseHighs); err != nil {
			return nil, err
		}
		if len(c.Params.Amplitudes) != SignalCount || len(c.Params.Periods) != SignalCount {
			return nil, invalid("params", "unit %d needs %d amplitudes and periods", c.ID, SignalCount)
		}
		if err := ValidateParams(c.Params.Update()); err != nil {
			return nil, err
		}

		u := &unit{jitterScale: c.Params.JitterScale}
		copy(u.baseHighs[:], c.BaseHighs)
		copy(u.amplitudes[:], c.Params.Amplitudes)
		copy(u.periods[:], c.Params.Periods)
		for i, b := range u.baseHighs {
			u.registers[2*i] = b
		}
		s.units[c.ID] = u
		s.ids = append(s.ids, c.ID)
	}
	sort.Ints(s.ids)
	return s, nil
}

// Units returns the configured unit ids in ascending order.
func (s *Store) Units() []int {
	out := make([]int, len(s.ids))
	copy(out, s.ids)
	return out
}

// Has reports whether the unit is configured.
func (s *Store) Has(id int) bool {
	_, ok := s.units[id]
	return ok
}

func (s *Store) unit(id int) (*unit, error) {
	u, ok := s.units[id]
	if !ok {
		return nil, &UnknownUnitError{Unit: id}
	}
	return u, nil
}

// ReadRegisters returns a snapshot of the unit's full register block.
func (s *Store) ReadRegisters(id int) ([]int, error) {
	return s.GetRegisters(id, 0, BlockSize)
}

// WriteRegisters atomically replaces the unit's full register block. Only the
// unit's scheduler worker calls this.
func (s *Store) WriteRegisters(id int, values []int) error {
	u, err := s.unit(id)
	if err != nil {
		return err
	}
	if len(values) != BlockSize {
		return invalid("registers", "expected %d values, got %d", BlockSize, len(values))
	}
	if err := checkBlockValues(0, values); err != nil {
		return err
	}

	u.mu.Lock()
	copy(u.registers[:], values)
	u.mu.Unlock()
	return nil
}

// GetRegisters returns count registers of the unit starting at start.
func (s *Store) GetRegisters(id, start, count int) ([]int, error) {
	u, err := s.unit(id)
	if err != nil {
		return nil, err
	}
	if start < 0 || count < 0 || start+count > BlockSize {
		return nil, invalid("address", "range %d+%d outside block 0..%d", start, count, BlockSize-1)
	}

	out := make([]int, count)
	u.mu.RLock()
	copy(out, u.registers[start:start+count])
	u.mu.RUnlock()
	return out, nil
}

// SetRegisters patches registers of the unit starting at start. Reserved
// (odd) slots only accept 0. The next scheduler tick overwrites the patch
// unless the unit is paused.
func (s *Store) SetRegisters(id, start int, values []int) error {
	u, err := s.unit(id)
	if err != nil {
		return err
	}
	if start < 0 || start+len(values) > BlockSize {
		return invalid("address", "range %d+%d outside block 0..%d", start, len(values), BlockSize-1)
	}
	if err := checkBlockValues(start, values); err != nil {
		return err
	}

	u.mu.Lock()
	copy(u.registers[start:], values)
	u.mu.Unlock()
	return nil
}

// SetPaused sets the unit's paused flag.
func (s *Store) SetPaused(id int, paused bool) error {
	u, err := s.unit(id)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.paused = paused
	u.mu.Unlock()
	return nil
}

// IsPaused returns the unit's paused flag.
func (s *Store) IsPaused(id int) (bool, error) {
	u, err := s.unit(id)
	if err != nil {
		return false, err
	}
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.paused, nil
}

// SetDisabled adds a signal to the unit's disabled set.
func (s *Store) SetDisabled(id, index int) error {
	return s.setDisabled(id, index, true)
}

// ClearDisabled removes a signal from the unit's disabled set.
func (s *Store) ClearDisabled(id, index int) error {
	return s.setDisabled(id, index, false)
}

func (s *Store) setDisabled(id, index int, disabled bool) error {
	u, err := s.unit(id)
	if err != nil {
		return err
	}
	if err := CheckIndex(index); err != nil {
		return err
	}
	u.mu.Lock()
	u.disabled[index] = disabled
	u.mu.Unlock()
	return nil
}

// DisabledSet returns the unit's disabled signal indices in ascending order.
func (s *Store) DisabledSet(id int) ([]int, error) {
	u, err := s.unit(id)
	if err != nil {
		return nil, err
	}
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.disabledList(), nil
}

func (u *unit) disabledList() []int {
	out := []int{}
	for i, d := range u.disabled {
		if d {
			out = append(out, i)
		}
	}
	return out
}

// SetBaseHighs replaces the unit's base values.
func (s *Store) SetBaseHighs(id int, values []int) error {
	u, err := s.unit(id)
	if err != nil {
		return err
	}
	if err := ValidateBaseHighs(values); err != nil {
		return err
	}
	u.mu.Lock()
	copy(u.baseHighs[:], values)
	u.mu.Unlock()
	return nil
}

// BaseHighs returns the unit's base values.
func (s *Store) BaseHighs(id int) ([]int, error) {
	u, err := s.unit(id)
	if err != nil {
		return nil, err
	}
	out := make([]int, SignalCount)
	u.mu.RLock()
	copy(out, u.baseHighs[:])
	u.mu.RUnlock()
	return out, nil
}

// SetWaveformParams applies a partial update and returns the resulting
// parameters. The update is validated as a whole before anything changes.
func (s *Store) SetWaveformParams(id int, upd ParamsUpdate) (Params, error) {
	u, err := s.unit(id)
	if err != nil {
		return Params{}, err
	}
	if err := ValidateParams(upd); err != nil {
		return Params{}, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if upd.Amplitudes != nil {
		copy(u.amplitudes[:], upd.Amplitudes)
	}
	if upd.Periods != nil {
		copy(u.periods[:], upd.Periods)
	}
	if upd.JitterScale != nil {
		u.jitterScale = *upd.JitterScale
	}
	return u.params(), nil
}

// WaveformParams returns the unit's current waveform parameters.
func (s *Store) WaveformParams(id int) (Params, error) {
	u, err := s.unit(id)
	if err != nil {
		return Params{}, err
	}
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.params(), nil
}

func (u *unit) params() Params {
	p := Params{
		Amplitudes:  make([]int, SignalCount),
		Periods:     make([]float64, SignalCount),
		JitterScale: u.jitterScale,
	}
	copy(p.Amplitudes, u.amplitudes[:])
	copy(p.Periods, u.periods[:])
	return p
}

// Control returns a copy of the unit's control flags.
func (s *Store) Control(id int) (Control, error) {
	u, err := s.unit(id)
	if err != nil {
		return Control{}, err
	}
	u.mu.RLock()
	defer u.mu.RUnlock()
	return Control{
		Paused:      u.paused,
		Disabled:    u.disabled,
		BaseHighs:   u.baseHighs,
		Amplitudes:  u.amplitudes,
		Periods:     u.periods,
		JitterScale: u.jitterScale,
	}, nil
}

// UnitSnapshot is a consistent view of one unit's complete state.
type UnitSnapshot struct {
	Unit      int    `json:"unit"`
	Paused    bool   `json:"paused"`
	Registers []int  `json:"registers"`
	BaseHighs []int  `json:"base_highs"`
	Disabled  []int  `json:"disabled"`
	Params    Params `json:"params"`
}

// Snapshot returns the unit's registers and flags taken under a single lock.
func (s *Store) Snapshot(id int) (UnitSnapshot, error) {
	u, err := s.unit(id)
	if err != nil {
		return UnitSnapshot{}, err
	}
	u.mu.RLock()
	defer u.mu.RUnlock()

	snap := UnitSnapshot{
		Unit:      id,
		Paused:    u.paused,
		Registers: make([]int, BlockSize),
		BaseHighs: make([]int, SignalCount),
		Disabled:  u.disabledList(),
		Params:    u.params(),
	}
	copy(snap.Registers, u.registers[:])
	copy(snap.BaseHighs, u.baseHighs[:])
	return snap, nil
}

// ValidateBaseHighs checks that values holds one in-range base per signal.
func ValidateBaseHighs(values []int) error {
	if len(values) != SignalCount {
		return invalid("base_highs", "expected %d values, got %d", SignalCount, len(values))
	}
	for i, v := range values {
		if v < 0 || v > MaxValue {
			return invalid("base_highs", "value %d at index %d outside 0..%d", v, i, MaxValue)
		}
	}
	return nil
}

// ValidateParams checks every present field of a partial parameter update.
func ValidateParams(upd ParamsUpdate) error {
	amplitudes, periods, jitter := upd.Amplitudes, upd.Periods, upd.JitterScale
	if amplitudes != nil {
		if len(amplitudes) != SignalCount {
			return invalid("amplitudes", "expected %d values, got %d", SignalCount, len(amplitudes))
		}
		for i, a := range amplitudes {
			if a < 0 {
				return invalid("amplitudes", "negative amplitude %d at index %d", a, i)
			}
		}
	}
	if periods != nil {
		if len(periods) != SignalCount {
			return invalid("periods", "expected %d values, got %d", SignalCount, len(periods))
		}
		for i, p := range periods {
			if !(p > 0) || math.IsInf(p, 0) {
				return invalid("periods", "period at index %d must be a positive number of seconds, got %v", i, p)
			}
		}
	}
	if jitter != nil {
		j := *jitter
		if !(j >= 0) || math.IsInf(j, 0) {
			return invalid("jitter_scale", "must be a non-negative fraction, got %v", j)
		}
	}
	return nil
}

func checkBlockValues(start int, values []int) error {
	for i, v := range values {
		slot := start + i
		if slot%2 == 1 && v != 0 {
			return invalid("registers", "reserved slot %d must be 0, got %d", slot, v)
		}
		if v < 0 || v > MaxValue {
			return invalid("registers", "value %d at slot %d outside 0..%d", v, slot, MaxValue)
		}
	}
	return nil
}
