package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ridehail/internal/fanout"
	"github.com/example/ridehail/internal/models"
)

// fakeIndex and fakeBus record call order so the test can assert the index
// write lands before the publish.
type fakeIndex struct {
	calls *[]string
	last  models.AgentLocation
	fail  error
}

func (f *fakeIndex) Upsert(_ context.Context, loc models.AgentLocation) error {
	if f.fail != nil {
		return f.fail
	}
	*f.calls = append(*f.calls, "upsert")
	f.last = loc
	return nil
}

func (f *fakeIndex) QueryNearby(_ context.Context, _ models.Coord, _ float64, _ models.AgentStatus, _ time.Duration) ([]models.AgentLocation, error) {
	return nil, nil
}

func (f *fakeIndex) Lookup(_ context.Context, _ string) (models.AgentLocation, bool, error) {
	return f.last, f.last.AgentID != "", nil
}

type fakeBus struct {
	calls  *[]string
	topics []string
}

func (f *fakeBus) Publish(_ context.Context, topic string, _ models.AgentLocation) error {
	*f.calls = append(*f.calls, "publish")
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeBus) Subscribe(string) (*fanout.Subscription, error) { panic("not used in tests") }

func (f *fakeBus) Unsubscribe(*fanout.Subscription) {}

func newService(calls *[]string) (*Service, *fakeIndex, *fakeBus) {
	idx := &fakeIndex{calls: calls}
	bus := &fakeBus{calls: calls}
	svc := &Service{Index: idx, Bus: bus}
	return svc, idx, bus
}

func TestReportUpdatesIndexBeforePublishing(t *testing.T) {
	var calls []string
	svc, idx, bus := newService(&calls)

	loc, err := svc.Report(context.Background(), Report{
		AgentID: "a1", Lat: 37.7749, Lon: -122.4194, Status: models.StatusAvailable,
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if loc.AgentID != "a1" || loc.UpdatedAt.IsZero() {
		t.Fatalf("bad snapshot: %+v", loc)
	}
	if len(calls) < 2 || calls[0] != "upsert" || calls[1] != "publish" {
		t.Fatalf("expected upsert before publish, got %v", calls)
	}
	if idx.last.Loc.Lat != 37.7749 {
		t.Fatalf("index did not receive the report: %+v", idx.last)
	}
	// per-agent topic and firehose both see the snapshot
	if len(bus.topics) != 2 || bus.topics[0] != "agent.a1" || bus.topics[1] != "agents.all" {
		t.Fatalf("unexpected topics %v", bus.topics)
	}
}

func TestReportRejectsEmptyAgentID(t *testing.T) {
	var calls []string
	svc, _, _ := newService(&calls)

	_, err := svc.Report(context.Background(), Report{Lat: 1, Lon: 1, Status: models.StatusAvailable})
	if !errors.Is(err, ErrEmptyAgentID) {
		t.Fatalf("expected ErrEmptyAgentID, got %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("rejected report must not touch index or fanout: %v", calls)
	}
}

func TestReportRejectsOutOfRangeCoordinates(t *testing.T) {
	var calls []string
	svc, _, _ := newService(&calls)

	cases := []struct{ lat, lon float64 }{
		{91, 0}, {-91, 0}, {0, 181}, {0, -181},
	}
	for _, c := range cases {
		_, err := svc.Report(context.Background(), Report{AgentID: "a1", Lat: c.lat, Lon: c.lon, Status: models.StatusAvailable})
		if !errors.Is(err, ErrCoordOutOfRange) {
			t.Fatalf("lat=%v lon=%v: expected ErrCoordOutOfRange, got %v", c.lat, c.lon, err)
		}
	}
}

func TestReportRejectsUnknownStatus(t *testing.T) {
	var calls []string
	svc, _, _ := newService(&calls)

	_, err := svc.Report(context.Background(), Report{AgentID: "a1", Lat: 1, Lon: 1, Status: "PARKED"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestReportFailedUpsertDoesNotPublish(t *testing.T) {
	var calls []string
	idx := &fakeIndex{calls: &calls, fail: errors.New("index down")}
	bus := &fakeBus{calls: &calls}
	svc := &Service{Index: idx, Bus: bus}

	_, err := svc.Report(context.Background(), Report{AgentID: "a1", Lat: 1, Lon: 1, Status: models.StatusAvailable})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, c := range calls {
		if c == "publish" {
			t.Fatal("published despite failed index write")
		}
	}
}
