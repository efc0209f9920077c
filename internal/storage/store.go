// Package storage is the ride ledger: the system of record for ride
// lifecycle state. Rides are mutated only through Transition, which applies
// the state machine as a compare-and-set so concurrent accept attempts
// resolve to exactly one winner.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ridehail/internal/models"
)

var (
	ErrNotFound          = errors.New("ride not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("ride state conflict")
)

// TransitionParams carries the fields a transition is allowed to set, each
// write-once: agent identity/name on accept, actual fare on completion.
type TransitionParams struct {
	AgentID    string
	AgentName  string
	ActualFare *float64
}

type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	// Transition moves the ride to `to` at `at` iff the current status allows
	// it. A losing accept on a live ride returns ErrConflict; any other
	// unreachable move returns ErrInvalidTransition.
	Transition(ctx context.Context, id string, to models.RideStatus, at time.Time, p TransitionParams) (*models.Ride, error)
	// FindActive returns the actor's non-terminal rides, newest first.
	FindActive(ctx context.Context, actorID string, role models.Role) ([]*models.Ride, error)
	// FindHistory returns the actor's terminal rides, most recently ended first.
	FindHistory(ctx context.Context, actorID string, role models.Role, limit int) ([]*models.Ride, error)
}

// classify maps a failed status check to the error kind callers retry on.
func classify(to models.RideStatus) error {
	if to == models.RideAccepted {
		return ErrConflict
	}
	return ErrInvalidTransition
}

// apply writes the transition onto r in place. Timestamps are set at most
// once; estimates are never touched.
func apply(r *models.Ride, to models.RideStatus, at time.Time, p TransitionParams) {
	r.Status = to
	switch to {
	case models.RideAccepted:
		if r.AcceptedAt == nil {
			t := at
			r.AcceptedAt = &t
		}
		if p.AgentID != "" {
			r.AgentID = p.AgentID
		}
		if p.AgentName != "" {
			r.AgentName = p.AgentName
		}
	case models.RideInProgress:
		if r.StartedAt == nil {
			t := at
			r.StartedAt = &t
		}
	case models.RideCompleted:
		if r.CompletedAt == nil {
			t := at
			r.CompletedAt = &t
		}
		if r.ActualFare == nil && p.ActualFare != nil {
			f := *p.ActualFare
			r.ActualFare = &f
		}
	case models.RideCancelled:
		if r.CancelledAt == nil {
			t := at
			r.CancelledAt = &t
		}
	}
}

// endedAt is the ordering timestamp for history queries.
func endedAt(r *models.Ride) time.Time {
	switch {
	case r.CompletedAt != nil:
		return *r.CompletedAt
	case r.CancelledAt != nil:
		return *r.CancelledAt
	default:
		return r.CreatedAt
	}
}
