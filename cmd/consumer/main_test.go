package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridehail/internal/models"
)

type fakeUpdater struct {
	geoCalls  int
	hsetCalls int
	geoFails  int // fail the first N GeoAdd calls
	hsetFails int

	lastGeo  *redis.GeoLocation
	lastMeta map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(_ context.Context, _ string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.geoFails {
		return errors.New("transient geoadd failure")
	}
	f.lastGeo = loc
	return nil
}

func (f *fakeUpdater) HSet(_ context.Context, _ string, values map[string]interface{}) error {
	f.hsetCalls++
	if f.hsetCalls <= f.hsetFails {
		return errors.New("transient hset failure")
	}
	f.lastMeta = values
	return nil
}

func sampleLocation() models.AgentLocation {
	return models.AgentLocation{
		AgentID:      "a1",
		Loc:          models.Coord{Lat: 37.7749, Lon: -122.4194},
		Status:       models.StatusAvailable,
		UpdatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Name:         "Ann",
		VehicleClass: "sedan",
		Rating:       4.9,
	}
}

func TestUpdateRedisWritesPositionAndMeta(t *testing.T) {
	f := &fakeUpdater{}
	loc := sampleLocation()

	if err := updateRedisWithRetry(context.Background(), f, "agents_geo", loc, 3, time.Millisecond); err != nil {
		t.Fatalf("update: %v", err)
	}
	if f.lastGeo == nil || f.lastGeo.Name != "a1" {
		t.Fatalf("position not written: %+v", f.lastGeo)
	}
	if f.lastGeo.Latitude != loc.Loc.Lat || f.lastGeo.Longitude != loc.Loc.Lon {
		t.Fatalf("wrong coordinates: %+v", f.lastGeo)
	}
	// the meta hash is what the query path filters on
	if f.lastMeta["status"] != "AVAILABLE" {
		t.Fatalf("meta status = %v", f.lastMeta["status"])
	}
	if f.lastMeta["updated"] != loc.UpdatedAt.Format(time.RFC3339Nano) {
		t.Fatalf("meta updated = %v", f.lastMeta["updated"])
	}
	if f.lastMeta["name"] != "Ann" || f.lastMeta["vehicle"] != "sedan" {
		t.Fatalf("display attributes missing: %+v", f.lastMeta)
	}
}

func TestUpdateRedisRetriesTransientFailures(t *testing.T) {
	f := &fakeUpdater{geoFails: 2}
	if err := updateRedisWithRetry(context.Background(), f, "agents_geo", sampleLocation(), 3, time.Millisecond); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 GeoAdd attempts, got %d", f.geoCalls)
	}
	if f.lastMeta == nil {
		t.Fatal("meta never written after retries")
	}
}

func TestUpdateRedisGivesUpAfterAttempts(t *testing.T) {
	f := &fakeUpdater{geoFails: 10}
	err := updateRedisWithRetry(context.Background(), f, "agents_geo", sampleLocation(), 3, time.Millisecond)
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", f.geoCalls)
	}
}
