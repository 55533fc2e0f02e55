// Package waveform computes simulated signal values: a slow sine around a base
// value plus uniform jitter.
package waveform

import (
	"math"
	"math/rand"
)

// Phase offsets. Each signal is shifted by its index so the eight signals of a
// unit don't move in lockstep, and the phase drifts slowly with the tick count.
const (
	signalPhaseStep = 0.13
	tickPhaseDrift  = 0.0001
)

// Signal describes one signal's waveform.
type Signal struct {
	Index       int     // signal index within the unit, seeds the phase
	Base        int     // center value
	Amplitude   int     // sine amplitude in raw units
	Period      float64 // sine period in seconds
	JitterScale float64 // jitter half-width as a fraction of Amplitude
}

// Phase returns the phase offset for a signal at the given tick.
func Phase(index int, tick uint64) float64 {
	return float64(index)*signalPhaseStep + float64(tick)*tickPhaseDrift
}

// Deterministic returns the sine component for the signal at elapsed seconds.
// A non-positive period yields no oscillation.
func Deterministic(sig Signal, elapsed float64, tick uint64) float64 {
	if sig.Amplitude == 0 || !(sig.Period > 0) {
		return 0
	}
	return float64(sig.Amplitude) * math.Sin(2*math.Pi*elapsed/sig.Period+Phase(sig.Index, tick))
}

// Jitter draws a uniform perturbation in [-Amplitude*JitterScale, +Amplitude*JitterScale].
// rnd is owned by the caller; *rand.Rand is not safe for concurrent use.
func Jitter(sig Signal, rnd *rand.Rand) float64 {
	half := float64(sig.Amplitude) * sig.JitterScale
	if half == 0 {
		return 0
	}
	return (rnd.Float64()*2 - 1) * half
}

// Raw computes the register value for the signal: base plus the floored sum of
// the sine and jitter components, clamped at zero.
func Raw(sig Signal, elapsed float64, tick uint64, rnd *rand.Rand) int {
	delta := math.Floor(Deterministic(sig, elapsed, tick) + Jitter(sig, rnd))
	v := sig.Base + int(delta)
	if v < 0 {
		return 0
	}
	return v
}
