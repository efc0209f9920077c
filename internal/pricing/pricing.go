// Package pricing computes fares. Estimates are priced exactly once, at ride
// creation; the ledger stores the result and never recomputes it, so a later
// change to these parameters cannot rewrite a historical ride's fare.
package pricing

// Engine holds the fare parameters: a flat base plus per-kilometer and
// per-minute components.
type Engine struct {
	Base   float64
	PerKm  float64
	PerMin float64
}

// DefaultEngine mirrors the launch pricing.
func DefaultEngine() *Engine {
	return &Engine{Base: 2.50, PerKm: 1.20, PerMin: 0.35}
}

// Fare prices a trip of the given distance and duration.
func (e *Engine) Fare(distanceM, durationS float64) float64 {
	if distanceM < 0 {
		distanceM = 0
	}
	if durationS < 0 {
		durationS = 0
	}
	return e.Base + e.PerKm*(distanceM/1000) + e.PerMin*(durationS/60)
}
