// Package spike stores timed additive overlays ("spikes") applied on top of
// simulated signal values.
package spike

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Spike is an additive overlay on one signal of one unit, active until
// ExpiresAt. Spikes are never mutated after Insert.
type Spike struct {
	ID        string    `json:"id"`
	Unit      int       `json:"unit"`
	Index     int       `json:"index"`
	Magnitude int       `json:"magnitude"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ActiveAt reports whether the spike contributes at now.
func (s Spike) ActiveAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// New builds a spike lasting d from now.
func New(unit, index, magnitude int, kind string, now time.Time, d time.Duration) Spike {
	return Spike{
		ID:        uuid.New().String(),
		Unit:      unit,
		Index:     index,
		Magnitude: magnitude,
		Kind:      kind,
		CreatedAt: now,
		ExpiresAt: now.Add(d),
	}
}

// bucket holds the spikes of one unit.
type bucket struct {
	mu     sync.Mutex
	spikes []Spike
}

// Table holds spikes partitioned by unit so that the per-tick scan and sweep
// of one unit never contends with another unit's worker.
type Table struct {
	mu      sync.RWMutex
	buckets map[int]*bucket
}

// NewTable creates an empty spike table.
func NewTable() *Table {
	return &Table{buckets: make(map[int]*bucket)}
}

func (t *Table) bucket(unit int, create bool) *bucket {
	t.mu.RLock()
	b := t.buckets[unit]
	t.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b = t.buckets[unit]; b == nil {
		b = &bucket{}
		t.buckets[unit] = b
	}
	return b
}

// Insert adds a spike. It always succeeds.
func (t *Table) Insert(s Spike) {
	b := t.bucket(s.Unit, true)
	b.mu.Lock()
	b.spikes = append(b.spikes, s)
	b.mu.Unlock()
}

// ActiveFor returns the magnitudes of every spike on (unit, index) that is
// still active at now.
func (t *Table) ActiveFor(unit, index int, now time.Time) []int {
	b := t.bucket(unit, false)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []int
	for _, s := range b.spikes {
		if s.Index == index && s.ActiveAt(now) {
			out = append(out, s.Magnitude)
		}
	}
	return out
}

// Overlay returns the summed active magnitude for each of count signals of the
// unit, scanning the unit's spikes once.
func (t *Table) Overlay(unit, count int, now time.Time) []int {
	sums := make([]int, count)
	b := t.bucket(unit, false)
	if b == nil {
		return sums
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.spikes {
		if s.Index >= 0 && s.Index < count && s.ActiveAt(now) {
			sums[s.Index] = addSat(sums[s.Index], s.Magnitude)
		}
	}
	return sums
}

// addSat adds without wrapping past the int range.
func addSat(a, b int) int {
	switch {
	case b > 0 && a > math.MaxInt-b:
		return math.MaxInt
	case b < 0 && a < math.MinInt-b:
		return math.MinInt
	}
	return a + b
}

// ExpireUnit removes the unit's spikes whose expiry is at or before now and
// returns how many were removed. Compaction is in place.
func (t *Table) ExpireUnit(unit int, now time.Time) int {
	b := t.bucket(unit, false)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sweep(now)
}

// Expire removes expired spikes of every unit.
func (t *Table) Expire(now time.Time) int {
	removed := 0
	for _, b := range t.snapshotBuckets() {
		b.mu.Lock()
		removed += b.sweep(now)
		b.mu.Unlock()
	}
	return removed
}

func (b *bucket) sweep(now time.Time) int {
	kept := b.spikes[:0]
	for _, s := range b.spikes {
		if s.ActiveAt(now) {
			kept = append(kept, s)
		}
	}
	removed := len(b.spikes) - len(kept)
	// Clear the tail so the backing array doesn't pin dropped spikes.
	for i := len(kept); i < len(b.spikes); i++ {
		b.spikes[i] = Spike{}
	}
	b.spikes = kept
	return removed
}

// Active returns all spikes active at now, ordered by unit, index and expiry.
func (t *Table) Active(now time.Time) []Spike {
	out := []Spike{}
	for _, b := range t.snapshotBuckets() {
		b.mu.Lock()
		for _, s := range b.spikes {
			if s.ActiveAt(now) {
				out = append(out, s)
			}
		}
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Unit != out[j].Unit {
			return out[i].Unit < out[j].Unit
		}
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

// Len returns the number of stored spikes, including expired ones not yet swept.
func (t *Table) Len() int {
	n := 0
	for _, b := range t.snapshotBuckets() {
		b.mu.Lock()
		n += len(b.spikes)
		b.mu.Unlock()
	}
	return n
}

func (t *Table) snapshotBuckets() []*bucket {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*bucket, 0, len(t.buckets))
	for _, b := range t.buckets {
		out = append(out, b)
	}
	return out
}
