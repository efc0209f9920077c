package geo

import (
	"math"
	"testing"
)

func TestHaversineZero(t *testing.T) {
	if d := Haversine(0, 0, 0, 0); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// SF Ferry Building to Oakland City Hall, roughly 10.5 km
	d := Haversine(37.7955, -122.3937, 37.8044, -122.2712)
	if math.Abs(d-10800) > 500 {
		t.Fatalf("expected ~10.8km, got %.0fm", d)
	}
}
