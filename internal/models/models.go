package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is within ±90 / ±180.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// AgentStatus is the availability state reported alongside a position.
type AgentStatus string

const (
	StatusAvailable AgentStatus = "AVAILABLE"
	StatusBusy      AgentStatus = "BUSY"
	StatusOffline   AgentStatus = "OFFLINE"
)

func ParseAgentStatus(s string) (AgentStatus, error) {
	switch AgentStatus(s) {
	case StatusAvailable, StatusBusy, StatusOffline:
		return AgentStatus(s), nil
	}
	return "", fmt.Errorf("unknown agent status %q", s)
}

// AgentLocation is the single mutable record per agent: position plus the
// denormalized attributes the index filters and callers display. Each upsert
// overwrites the whole entry; there is no per-field merge.
type AgentLocation struct {
	AgentID      string      `json:"agent_id"`
	Loc          Coord       `json:"loc"`
	Status       AgentStatus `json:"status"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Name         string      `json:"name,omitempty"`
	VehicleClass string      `json:"vehicle_class,omitempty"`
	Rating       float64     `json:"rating,omitempty"`
}

type RideStatus string

const (
	RideRequested  RideStatus = "REQUESTED"
	RideAccepted   RideStatus = "ACCEPTED"
	RideInProgress RideStatus = "IN_PROGRESS"
	RideCompleted  RideStatus = "COMPLETED"
	RideCancelled  RideStatus = "CANCELLED"
)

// rideTransitions encodes the lifecycle as data: forward-only, with
// CANCELLED reachable from every non-terminal state.
var rideTransitions = map[RideStatus][]RideStatus{
	RideRequested:  {RideAccepted, RideCancelled},
	RideAccepted:   {RideInProgress, RideCancelled},
	RideInProgress: {RideCompleted, RideCancelled},
}

func CanTransition(from, to RideStatus) bool {
	for _, next := range rideTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns the statuses from which `to` is reachable,
// for stores that express the check-and-set as a conditional update.
func TransitionSources(to RideStatus) []RideStatus {
	var from []RideStatus
	for src, nexts := range rideTransitions {
		for _, next := range nexts {
			if next == to {
				from = append(from, src)
			}
		}
	}
	return from
}

// Terminal reports whether no further transition is possible.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// Ride is the durable ledger record. Estimated fields are written once at
// creation and never recomputed; ActualFare is written once at completion.
type Ride struct {
	ID          string     `json:"id"`
	RequesterID string     `json:"requester_id"`
	AgentID     string     `json:"agent_id,omitempty"`
	Status      RideStatus `json:"status"`
	Pickup      Coord      `json:"pickup"`
	Dropoff     Coord      `json:"dropoff"`

	EstimatedDistanceM float64  `json:"estimated_distance_m"`
	EstimatedDurationS float64  `json:"estimated_duration_s"`
	EstimatedFare      float64  `json:"estimated_fare"`
	ActualFare         *float64 `json:"actual_fare,omitempty"`

	RequesterName string `json:"requester_name,omitempty"`
	AgentName     string `json:"agent_name,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

type RideRequest struct {
	RequesterID   string `json:"requester_id"`
	RequesterName string `json:"requester_name,omitempty"`
	Pickup        Coord  `json:"pickup"`
	Dropoff       Coord  `json:"dropoff"`
}

// Role selects the query shape in the ledger: rides where the actor is the
// requester vs. rides where the actor is the agent.
type Role string

const (
	RoleRequester Role = "requester"
	RoleAgent     Role = "agent"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleRequester, RoleAgent:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// MatchOffer is pushed to an agent session when a request matches.
type MatchOffer struct {
	RideID  string  `json:"ride_id"`
	AgentID string  `json:"agent_id"`
	PickupM float64 `json:"pickup_distance_m"`
	ETA     float64 `json:"eta_seconds"`
	FareEst float64 `json:"estimated_fare"`
	Pickup  Coord   `json:"pickup"`
	Dropoff Coord   `json:"dropoff"`
}
