// Package scheduler runs one periodic simulation worker per unit. Each tick
// recomputes the unit's eight signals from its waveform parameters and active
// spikes and writes the full register block through a RegisterWriter.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/holla2040/sensorsim/internal/metrics"
	"github.com/holla2040/sensorsim/internal/registers"
	"github.com/holla2040/sensorsim/internal/spike"
	"github.com/holla2040/sensorsim/internal/waveform"
)

// DefaultInterval is the tick interval used when none is configured (200 Hz).
const DefaultInterval = 5 * time.Millisecond

// ErrTransportWrite wraps a failed register write.
var ErrTransportWrite = errors.New("register write failed")

// RegisterWriter receives each tick's complete register block.
// registers.Store satisfies it.
type RegisterWriter interface {
	WriteRegisters(unit int, values []int) error
}

// Scheduler owns the per-unit workers.
type Scheduler struct {
	store    *registers.Store
	spikes   *spike.Table
	writer   RegisterWriter
	interval time.Duration
	sweep    time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
	seed     int64
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithInterval sets the tick interval (default 5ms).
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWriter replaces the register sink. The default writes to the store.
func WithWriter(w RegisterWriter) Option {
	return func(s *Scheduler) {
		s.writer = w
	}
}

// WithMetrics records tick counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithClock overrides time.Now for elapsed-time and spike-expiry computations.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithSeed makes the jitter sequence reproducible. Worker i uses seed+i.
func WithSeed(seed int64) Option {
	return func(s *Scheduler) {
		s.seed = seed
	}
}

// New creates a scheduler for every unit in store.
func New(store *registers.Store, spikes *spike.Table, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		spikes:   spikes,
		writer:   store,
		interval: DefaultInterval,
		sweep:    time.Second,
		now:      time.Now,
		seed:     time.Now().UnixNano(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Interval returns the configured tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Run starts one worker per unit plus the spike janitor and blocks until ctx
// is cancelled and every worker has finished its in-flight tick.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i, id := range s.store.Units() {
		w := s.newWorker(id, int64(i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.janitor(ctx)
	}()

	log.Printf("scheduler: %d unit workers running every %v", len(s.store.Units()), s.interval)
	wg.Wait()
	log.Println("scheduler: all workers stopped")
}

// janitor sweeps every unit's spikes at a low rate and refreshes the stored
// spike gauge. Workers also sweep their own unit every tick.
func (s *Scheduler) janitor(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.SpikesExpired(s.spikes.Expire(s.now()))
			s.metrics.SpikesStored(s.spikes.Len())
		}
	}
}

type worker struct {
	unit     int
	s        *Scheduler
	rnd      *rand.Rand
	start    time.Time
	tick     uint64
	failures int
}

func (s *Scheduler) newWorker(unit int, offset int64) *worker {
	return &worker{
		unit:  unit,
		s:     s,
		rnd:   rand.New(rand.NewSource(s.seed + offset)),
		start: s.now(),
	}
}

func (w *worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.step(w.s.now())
		}
	}
}

// step runs one tick. It reports whether a block was written.
func (w *worker) step(now time.Time) bool {
	begin := time.Now()

	w.s.metrics.SpikesExpired(w.s.spikes.ExpireUnit(w.unit, now))

	ctrl, err := w.s.store.Control(w.unit)
	if err != nil {
		log.Printf("scheduler: unit %d: read control: %v", w.unit, err)
		return false
	}
	if ctrl.Paused {
		w.s.metrics.TickSkipped(w.unit, "paused")
		return false
	}

	elapsed := now.Sub(w.start).Seconds()
	w.tick++
	overlay := w.s.spikes.Overlay(w.unit, registers.SignalCount, now)
	block := Compose(ctrl, overlay, elapsed, w.tick, w.rnd)

	if err := w.s.writer.WriteRegisters(w.unit, block); err != nil {
		w.writeFailed(fmt.Errorf("%w: unit %d: %v", ErrTransportWrite, w.unit, err))
		return false
	}
	if w.failures > 0 {
		log.Printf("scheduler: unit %d: register writes recovered after %d failures", w.unit, w.failures)
		w.failures = 0
	}
	w.s.metrics.TickDone(w.unit, time.Since(begin))
	return true
}

// writeFailed logs the first failure of a run and every 1000th after it.
func (w *worker) writeFailed(err error) {
	w.failures++
	w.s.metrics.WriteFailed(w.unit)
	w.s.metrics.TickSkipped(w.unit, "write_failed")
	if w.failures == 1 || w.failures%1000 == 0 {
		log.Printf("scheduler: %v (tick skipped, %d consecutive)", err, w.failures)
	}
}

// Compose builds a unit's 16-slot register block: slot 2i holds signal i's
// value (0 when disabled, else waveform plus spike overlay, clamped to the
// 16-bit range), slot 2i+1 is reserved and always 0.
func Compose(ctrl registers.Control, overlay []int, elapsed float64, tick uint64, rnd *rand.Rand) []int {
	block := make([]int, registers.BlockSize)
	for i := 0; i < registers.SignalCount; i++ {
		if ctrl.Disabled[i] {
			continue
		}
		v := waveform.Raw(waveform.Signal{
			Index:       i,
			Base:        ctrl.BaseHighs[i],
			Amplitude:   ctrl.Amplitudes[i],
			Period:      ctrl.Periods[i],
			JitterScale: ctrl.JitterScale,
		}, elapsed, tick, rnd)
		if i < len(overlay) {
			v = addSat(v, overlay[i])
		}
		block[2*i] = clamp(v)
	}
	return block
}

func addSat(a, b int) int {
	switch {
	case b > 0 && a > math.MaxInt-b:
		return math.MaxInt
	case b < 0 && a < math.MinInt-b:
		return math.MinInt
	}
	return a + b
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > registers.MaxValue {
		return registers.MaxValue
	}
	return v
}
