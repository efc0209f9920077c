package geo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ridehail/internal/models"
)

func agentAt(id string, lat, lon float64, status models.AgentStatus, age time.Duration) models.AgentLocation {
	return models.AgentLocation{
		AgentID:   id,
		Loc:       models.Coord{Lat: lat, Lon: lon},
		Status:    status,
		UpdatedAt: time.Now().Add(-age),
	}
}

func TestUpsertOverwritesWholeEntry(t *testing.T) {
	idx := NewCellIndex()
	ctx := context.Background()

	first := agentAt("a1", 37.7749, -122.4194, models.StatusAvailable, 0)
	first.Name = "Ann"
	first.Rating = 4.9
	if err := idx.Upsert(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	second := agentAt("a1", 37.7800, -122.4100, models.StatusBusy, 0)
	second.UpdatedAt = first.UpdatedAt.Add(time.Second)
	if err := idx.Upsert(ctx, second); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := idx.Lookup(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if got.Status != models.StatusBusy || got.Loc != second.Loc {
		t.Fatalf("expected full overwrite, got %+v", got)
	}
	if got.Name != "" || got.Rating != 0 {
		t.Fatalf("stale fields merged from earlier upsert: %+v", got)
	}
}

func TestUpsertIgnoresOlderReport(t *testing.T) {
	idx := NewCellIndex()
	ctx := context.Background()

	fresh := agentAt("a1", 10, 10, models.StatusAvailable, 0)
	if err := idx.Upsert(ctx, fresh); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	stale := agentAt("a1", 20, 20, models.StatusOffline, time.Minute)
	if err := idx.Upsert(ctx, stale); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, _, _ := idx.Lookup(ctx, "a1")
	if got.Loc != fresh.Loc || got.Status != models.StatusAvailable {
		t.Fatalf("straggler overwrote fresher entry: %+v", got)
	}
}

func TestQueryNearbyRadiusBound(t *testing.T) {
	idx := NewCellIndex()
	ctx := context.Background()
	center := models.Coord{Lat: 37.7749, Lon: -122.4194}

	// ring of agents at increasing offsets, some outside the radius
	for i := 0; i < 20; i++ {
		lat := center.Lat + float64(i)*0.002
		idx.Upsert(ctx, agentAt(fmt.Sprintf("a%02d", i), lat, center.Lon, models.StatusAvailable, 0))
	}

	const radius = 1000.0
	got, err := idx.QueryNearby(ctx, center, radius, models.StatusAvailable, time.Minute)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected matches inside radius")
	}
	for _, loc := range got {
		if d := Haversine(center.Lat, center.Lon, loc.Loc.Lat, loc.Loc.Lon); d > radius {
			t.Fatalf("agent %s at %.1fm exceeds radius %.1fm", loc.AgentID, d, radius)
		}
	}
}

func TestQueryNearbyFiltersStatusAndAge(t *testing.T) {
	idx := NewCellIndex()
	ctx := context.Background()
	center := models.Coord{Lat: 37.7749, Lon: -122.4194}

	idx.Upsert(ctx, agentAt("fresh-avail", 37.7750, -122.4190, models.StatusAvailable, 0))
	idx.Upsert(ctx, agentAt("busy", 37.7751, -122.4191, models.StatusBusy, 0))
	// reported 10 minutes ago: stale under a 5 minute bound
	idx.Upsert(ctx, agentAt("stale", 37.7752, -122.4192, models.StatusAvailable, 10*time.Minute))

	got, err := idx.QueryNearby(ctx, center, 500, models.StatusAvailable, 5*time.Minute)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].AgentID != "fresh-avail" {
		t.Fatalf("expected only fresh-avail, got %+v", got)
	}
}

func TestQueryNearbyOrderedByDistanceThenID(t *testing.T) {
	idx := NewCellIndex()
	ctx := context.Background()
	center := models.Coord{Lat: 0, Lon: 0}

	idx.Upsert(ctx, agentAt("far", 0.003, 0, models.StatusAvailable, 0))
	idx.Upsert(ctx, agentAt("near", 0.001, 0, models.StatusAvailable, 0))
	// two agents at the identical position: tie broken by id ascending
	idx.Upsert(ctx, agentAt("tie-b", 0.002, 0, models.StatusAvailable, 0))
	idx.Upsert(ctx, agentAt("tie-a", 0.002, 0, models.StatusAvailable, 0))

	got, err := idx.QueryNearby(ctx, center, 2000, models.StatusAvailable, time.Minute)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	want := []string{"near", "tie-a", "tie-b", "far"}
	if len(got) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].AgentID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].AgentID)
		}
	}
}

func TestQueryNearbyInvalidArguments(t *testing.T) {
	idx := NewCellIndex()
	ctx := context.Background()

	if _, err := idx.QueryNearby(ctx, models.Coord{}, 0, models.StatusAvailable, time.Minute); !errors.Is(err, ErrInvalidRadius) {
		t.Fatalf("radius 0: expected ErrInvalidRadius, got %v", err)
	}
	if _, err := idx.QueryNearby(ctx, models.Coord{}, -5, models.StatusAvailable, time.Minute); !errors.Is(err, ErrInvalidRadius) {
		t.Fatalf("negative radius: expected ErrInvalidRadius, got %v", err)
	}
	if _, err := idx.QueryNearby(ctx, models.Coord{}, 100, models.AgentStatus("NAPPING"), time.Minute); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("bad status: expected ErrInvalidStatus, got %v", err)
	}
}

func TestQueryNearbyEmptyResultIsNotError(t *testing.T) {
	idx := NewCellIndex()
	got, err := idx.QueryNearby(context.Background(), models.Coord{Lat: 50, Lon: 50}, 100, models.StatusAvailable, time.Minute)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}

func TestMatchScenario(t *testing.T) {
	idx := NewCellIndex()
	ctx := context.Background()

	idx.Upsert(ctx, agentAt("A", 37.7749, -122.4194, models.StatusAvailable, 0))

	pickup := models.Coord{Lat: 37.7750, Lon: -122.4190}
	got, err := idx.QueryNearby(ctx, pickup, 500, models.StatusAvailable, 5*time.Minute)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].AgentID != "A" {
		t.Fatalf("expected agent A, got %+v", got)
	}
	if d := Haversine(pickup.Lat, pickup.Lon, got[0].Loc.Lat, got[0].Loc.Lon); d >= 500 {
		t.Fatalf("expected distance < 500m, got %.1f", d)
	}
}

func TestConcurrentUpsertsAndQueries(t *testing.T) {
	idx := NewCellIndex()
	ctx := context.Background()
	center := models.Coord{Lat: 37.77, Lon: -122.41}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("agent-%d-%d", w, i%10)
				loc := agentAt(id, center.Lat+float64(i%5)*0.001, center.Lon, models.StatusAvailable, 0)
				loc.UpdatedAt = time.Now()
				if err := idx.Upsert(ctx, loc); err != nil {
					t.Errorf("upsert: %v", err)
					return
				}
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, err := idx.QueryNearby(ctx, center, 2000, models.StatusAvailable, time.Minute); err != nil {
					t.Errorf("query: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
