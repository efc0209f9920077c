// Package ingest validates and applies incoming agent position reports.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ridehail/internal/fanout"
	"github.com/example/ridehail/internal/geo"
	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/observability"
)

var (
	ErrEmptyAgentID    = errors.New("agent id must not be empty")
	ErrCoordOutOfRange = errors.New("coordinates outside ±90/±180")
	ErrInvalidStatus   = errors.New("unknown agent status")
)

// Report is one position message from an authenticated agent. The display
// attributes are optional and stale-tolerant; they ride along so readers of
// the index never need a join against a profile store.
type Report struct {
	AgentID      string
	Lat          float64
	Lon          float64
	Status       models.AgentStatus
	Name         string
	VehicleClass string
	Rating       float64
}

type Service struct {
	Index  geo.Index
	Bus    fanout.Bus
	Kafka  *KafkaProducer // optional mirror of the accepted stream
	Now    func() time.Time
	Logger *slog.Logger
}

// Report validates the message, overwrites the agent's index entry, then
// publishes the resulting snapshot. The index write strictly precedes the
// publish: a consumer reacting to the snapshot and querying the index is
// guaranteed to see at least this update.
func (s *Service) Report(ctx context.Context, r Report) (models.AgentLocation, error) {
	if r.AgentID == "" {
		observability.ReportsInvalid.Inc()
		return models.AgentLocation{}, ErrEmptyAgentID
	}
	pos := models.Coord{Lat: r.Lat, Lon: r.Lon}
	if !pos.Valid() {
		observability.ReportsInvalid.Inc()
		return models.AgentLocation{}, fmt.Errorf("%w: lat=%v lon=%v", ErrCoordOutOfRange, r.Lat, r.Lon)
	}
	if _, err := models.ParseAgentStatus(string(r.Status)); err != nil {
		observability.ReportsInvalid.Inc()
		return models.AgentLocation{}, fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	loc := models.AgentLocation{
		AgentID:      r.AgentID,
		Loc:          pos,
		Status:       r.Status,
		UpdatedAt:    now(),
		Name:         r.Name,
		VehicleClass: r.VehicleClass,
		Rating:       r.Rating,
	}

	if err := s.Index.Upsert(ctx, loc); err != nil {
		return models.AgentLocation{}, fmt.Errorf("index upsert: %w", err)
	}
	observability.AgentsReported.Inc()

	if s.Bus != nil {
		if err := s.Bus.Publish(ctx, fanout.AgentTopic(loc.AgentID), loc); err != nil && s.Logger != nil {
			s.Logger.Warn("fanout publish failed", "agent_id", loc.AgentID, "error", err)
		}
		if err := s.Bus.Publish(ctx, fanout.TopicAll, loc); err != nil && s.Logger != nil {
			s.Logger.Warn("fanout publish failed", "agent_id", loc.AgentID, "error", err)
		}
	}

	// best-effort: the kafka stream hydrates other instances' indexes, it is
	// not on the correctness path
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(ctx, loc); err != nil && s.Logger != nil {
			s.Logger.Warn("kafka mirror failed", "agent_id", loc.AgentID, "error", err)
		}
	}
	return loc, nil
}
