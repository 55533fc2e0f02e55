package spike

import (
	"math"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}

func TestActiveForBoundary(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(New(2, 5, 5000, "spike", t0, 200*time.Millisecond))

	if got := sum(tbl.ActiveFor(2, 5, t0)); got != 5000 {
		t.Errorf("at insert: expected 5000, got %d", got)
	}
	if got := sum(tbl.ActiveFor(2, 5, t0.Add(199*time.Millisecond))); got != 5000 {
		t.Errorf("just before expiry: expected 5000, got %d", got)
	}
	if got := tbl.ActiveFor(2, 5, t0.Add(200*time.Millisecond)); len(got) != 0 {
		t.Errorf("at expiry: expected no magnitudes, got %v", got)
	}
	if got := tbl.ActiveFor(2, 4, t0); len(got) != 0 {
		t.Errorf("other index: expected none, got %v", got)
	}
	if got := tbl.ActiveFor(1, 5, t0); len(got) != 0 {
		t.Errorf("other unit: expected none, got %v", got)
	}
}

func TestMagnitudesAreAdditive(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(New(1, 0, 300, "surge", t0, time.Second))
	tbl.Insert(New(1, 0, -100, "sag", t0, 2*time.Second))
	tbl.Insert(New(1, 1, 7, "spike", t0, time.Second))

	if got := sum(tbl.ActiveFor(1, 0, t0)); got != 200 {
		t.Errorf("expected 200, got %d", got)
	}
	overlay := tbl.Overlay(1, 8, t0.Add(1500*time.Millisecond))
	if overlay[0] != -100 || overlay[1] != 0 {
		t.Errorf("unexpected overlay %v", overlay)
	}
}

func TestOverlaySaturates(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(New(1, 2, math.MaxInt, "spike", t0, time.Second))
	tbl.Insert(New(1, 2, math.MaxInt, "spike", t0, time.Second))
	tbl.Insert(New(1, 3, math.MinInt, "spike", t0, time.Second))
	tbl.Insert(New(1, 3, -1, "spike", t0, time.Second))

	sums := tbl.Overlay(1, 8, t0)
	if sums[2] != math.MaxInt {
		t.Errorf("expected saturation at MaxInt, got %d", sums[2])
	}
	if sums[3] != math.MinInt {
		t.Errorf("expected saturation at MinInt, got %d", sums[3])
	}
}

func TestExpireReclaims(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < 100; i++ {
		tbl.Insert(New(1, i%8, 1, "spike", t0, time.Duration(i)*time.Millisecond))
	}
	tbl.Insert(New(2, 0, 1, "spike", t0, time.Hour))

	removed := tbl.ExpireUnit(1, t0.Add(50*time.Millisecond))
	if removed != 51 {
		t.Errorf("expected 51 removed, got %d", removed)
	}
	if tbl.Len() != 50 {
		t.Errorf("expected 50 remaining, got %d", tbl.Len())
	}

	removed = tbl.Expire(t0.Add(time.Minute))
	if removed != 49 {
		t.Errorf("expected 49 removed, got %d", removed)
	}
	if tbl.Len() != 1 {
		t.Errorf("expected 1 remaining, got %d", tbl.Len())
	}
}

func TestActiveExcludesExpired(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(New(1, 3, 10, "a", t0, 100*time.Millisecond))
	tbl.Insert(New(1, 2, 10, "b", t0, time.Second))

	active := tbl.Active(t0.Add(150 * time.Millisecond))
	if len(active) != 1 || active[0].Kind != "b" {
		t.Fatalf("expected only b, got %+v", active)
	}
	if active[0].ID == "" {
		t.Error("expected spike id")
	}
}

func TestConcurrentInsertNoLostUpdates(t *testing.T) {
	tbl := NewTable()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.Insert(New(1, 4, 1, "spike", t0, time.Minute))
		}()
	}
	// A concurrent sweeper must not drop live spikes.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			tbl.ExpireUnit(1, t0)
		}
	}()
	wg.Wait()

	if got := len(tbl.ActiveFor(1, 4, t0)); got != n {
		t.Errorf("expected %d active spikes, got %d", n, got)
	}
}
