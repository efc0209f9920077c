package eta

import (
	"math"
	"testing"
	"time"

	"github.com/example/ridehail/internal/geo"
	"github.com/example/ridehail/internal/models"
)

func TestEstimateSecondsUsesSpeed(t *testing.T) {
	from := models.Coord{Lat: 37.7749, Lon: -122.4194}
	to := models.Coord{Lat: 37.8044, Lon: -122.2712}

	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	got := EstimateSeconds(from, to, 10)
	if math.Abs(got-d/10) > 1e-9 {
		t.Fatalf("estimate = %.2f, want %.2f", got, d/10)
	}
}

func TestEstimateSecondsDefaultSpeed(t *testing.T) {
	from := models.Coord{Lat: 0, Lon: 0}
	to := models.Coord{Lat: 0.01, Lon: 0}

	withDefault := EstimateSeconds(from, to, 0)
	explicit := EstimateSeconds(from, to, 8.0)
	if withDefault != explicit {
		t.Fatalf("zero speed should fall back to the default: %v vs %v", withDefault, explicit)
	}
	if withDefault <= 0 {
		t.Fatalf("expected positive estimate, got %v", withDefault)
	}
}

func TestCacheHitAndExpiry(t *testing.T) {
	c := NewCache(50 * time.Millisecond)
	a := models.Coord{Lat: 1, Lon: 2}
	b := models.Coord{Lat: 3, Lon: 4}

	if _, ok := c.Get(a, b); ok {
		t.Fatal("empty cache returned a hit")
	}
	c.Set(a, b, 123)
	if v, ok := c.Get(a, b); !ok || v != 123 {
		t.Fatalf("expected hit 123, got %v ok=%v", v, ok)
	}
	// direction matters
	if _, ok := c.Get(b, a); ok {
		t.Fatal("reverse direction should miss")
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("entry survived past its TTL")
	}
}
