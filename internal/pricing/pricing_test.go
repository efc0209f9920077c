package pricing

import (
	"math"
	"testing"
)

func TestFareComposition(t *testing.T) {
	e := &Engine{Base: 2.50, PerKm: 1.20, PerMin: 0.35}

	// 10 km over 20 minutes: 2.50 + 12.00 + 7.00
	got := e.Fare(10000, 1200)
	if math.Abs(got-21.50) > 1e-9 {
		t.Fatalf("fare = %.4f, want 21.50", got)
	}
}

func TestFareZeroTrip(t *testing.T) {
	e := DefaultEngine()
	if got := e.Fare(0, 0); got != e.Base {
		t.Fatalf("zero trip should cost the base fare, got %.4f", got)
	}
}

func TestFareClampsNegativeInputs(t *testing.T) {
	e := DefaultEngine()
	if got := e.Fare(-500, -60); got != e.Base {
		t.Fatalf("negative inputs should clamp to base fare, got %.4f", got)
	}
}
