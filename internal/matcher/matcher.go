// Package matcher drives a ride from request to terminal state: it prices
// the trip once up front, finds eligible agents through the proximity index,
// runs every status change through the ledger's compare-and-set, and relays
// the assigned agent's live position to the requester while the ride is on.
package matcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ridehail/internal/eta"
	"github.com/example/ridehail/internal/fanout"
	"github.com/example/ridehail/internal/geo"
	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/observability"
	"github.com/example/ridehail/internal/payments"
	"github.com/example/ridehail/internal/pricing"
	"github.com/example/ridehail/internal/storage"
)

var ErrInvalidRequest = errors.New("invalid ride request")

// Dispatcher is the outbound edge: offers to agents, snapshots to requesters.
type Dispatcher interface {
	Offer(agentID string, offer models.MatchOffer) error
	PushLocation(requesterID string, loc models.AgentLocation) error
}

type Service struct {
	Index    geo.Index
	Store    storage.RideStore
	Bus      fanout.Bus
	Dispatch Dispatcher
	Pricing  *pricing.Engine
	Payments payments.Settler // optional fare settlement

	ETAClient eta.Client // optional routing engine
	ETACache  *eta.Cache

	SearchRadiusM   float64
	FreshnessBound  time.Duration
	DefaultSpeedMps float64

	Logger *slog.Logger
	Now    func() time.Time

	mu         sync.Mutex
	forwarders map[string]*fanout.Subscription // ride id -> live subscription
	holds      map[string]string               // ride id -> payment hold id
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Request creates the ride with its write-once estimates and returns the
// eligible agents near pickup, closest first. An empty candidate list is a
// legitimate outcome, not an error: the ride stays REQUESTED.
func (s *Service) Request(ctx context.Context, req models.RideRequest) (*models.Ride, []models.AgentLocation, error) {
	if req.RequesterID == "" || !req.Pickup.Valid() || !req.Dropoff.Valid() {
		return nil, nil, ErrInvalidRequest
	}

	distanceM := geo.Haversine(req.Pickup.Lat, req.Pickup.Lon, req.Dropoff.Lat, req.Dropoff.Lon)
	durationS := s.tripSeconds(req.Pickup, req.Dropoff)
	fare := s.Pricing.Fare(distanceM, durationS)

	ride := &models.Ride{
		ID:                 newID(),
		RequesterID:        req.RequesterID,
		RequesterName:      req.RequesterName,
		Status:             models.RideRequested,
		Pickup:             req.Pickup,
		Dropoff:            req.Dropoff,
		EstimatedDistanceM: distanceM,
		EstimatedDurationS: durationS,
		EstimatedFare:      fare,
		CreatedAt:          s.now(),
	}
	if err := s.Store.Create(ctx, ride); err != nil {
		return nil, nil, fmt.Errorf("create ride: %w", err)
	}

	candidates, err := s.Index.QueryNearby(ctx, req.Pickup, s.SearchRadiusM, models.StatusAvailable, s.FreshnessBound)
	if err != nil {
		return nil, nil, fmt.Errorf("query nearby: %w", err)
	}
	if len(candidates) == 0 {
		observability.MatchesEmpty.Inc()
		if s.Logger != nil {
			s.Logger.Info("no agents available", "ride_id", ride.ID, "radius_m", s.SearchRadiusM)
		}
		return ride, nil, nil
	}
	observability.MatchesTotal.Inc()

	if s.Dispatch != nil {
		best := candidates[0]
		offer := models.MatchOffer{
			RideID:  ride.ID,
			AgentID: best.AgentID,
			PickupM: geo.Haversine(req.Pickup.Lat, req.Pickup.Lon, best.Loc.Lat, best.Loc.Lon),
			ETA:     s.tripSeconds(best.Loc, req.Pickup),
			FareEst: fare,
			Pickup:  req.Pickup,
			Dropoff: req.Dropoff,
		}
		// best-effort: the agent may also pick the ride up from a poll
		_ = s.Dispatch.Offer(best.AgentID, offer)
	}
	return ride, candidates, nil
}

// Accept commits an agent to a REQUESTED ride. The ledger's compare-and-set
// guarantees a single winner; a loser gets storage.ErrConflict and should
// re-query rather than retry the same transition.
func (s *Service) Accept(ctx context.Context, rideID, agentID string) (*models.Ride, error) {
	if agentID == "" {
		return nil, ErrInvalidRequest
	}
	var agentName string
	if loc, ok, err := s.Index.Lookup(ctx, agentID); err == nil && ok {
		agentName = loc.Name
	}

	ride, err := s.Store.Transition(ctx, rideID, models.RideAccepted, s.now(), storage.TransitionParams{AgentID: agentID, AgentName: agentName})
	if err != nil {
		observability.RideTransitions.WithLabelValues(string(models.RideAccepted), "rejected").Inc()
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideAccepted), "ok").Inc()

	if s.Payments != nil {
		cents := int64(ride.EstimatedFare * 100)
		if holdID, err := s.Payments.Hold(ctx, cents, "usd", ride.RequesterID); err == nil {
			s.mu.Lock()
			if s.holds == nil {
				s.holds = make(map[string]string)
			}
			s.holds[rideID] = holdID
			s.mu.Unlock()
		} else if s.Logger != nil {
			s.Logger.Warn("payment hold failed", "ride_id", rideID, "error", err)
		}
	}

	s.startForwarding(ride)
	return ride, nil
}

// Start marks the trip as underway; only reachable from ACCEPTED.
func (s *Service) Start(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.Store.Transition(ctx, rideID, models.RideInProgress, s.now(), storage.TransitionParams{})
	if err != nil {
		observability.RideTransitions.WithLabelValues(string(models.RideInProgress), "rejected").Inc()
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideInProgress), "ok").Inc()
	return ride, nil
}

// Complete finishes the trip and writes the actual fare: the stored estimate
// distance priced over the real IN_PROGRESS duration. The stored estimates
// themselves are never recomputed.
func (s *Service) Complete(ctx context.Context, rideID string) (*models.Ride, error) {
	now := s.now()
	prior, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	actualDurS := prior.EstimatedDurationS
	if prior.StartedAt != nil {
		actualDurS = now.Sub(*prior.StartedAt).Seconds()
	}
	fare := s.Pricing.Fare(prior.EstimatedDistanceM, actualDurS)

	ride, err := s.Store.Transition(ctx, rideID, models.RideCompleted, now, storage.TransitionParams{ActualFare: &fare})
	if err != nil {
		observability.RideTransitions.WithLabelValues(string(models.RideCompleted), "rejected").Inc()
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideCompleted), "ok").Inc()

	s.settle(ctx, rideID, ride)
	s.stopForwarding(rideID)
	return ride, nil
}

// Cancel is reachable from any non-terminal state.
func (s *Service) Cancel(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.Store.Transition(ctx, rideID, models.RideCancelled, s.now(), storage.TransitionParams{})
	if err != nil {
		observability.RideTransitions.WithLabelValues(string(models.RideCancelled), "rejected").Inc()
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideCancelled), "ok").Inc()

	s.mu.Lock()
	holdID := s.holds[rideID]
	delete(s.holds, rideID)
	s.mu.Unlock()
	if s.Payments != nil && holdID != "" {
		if err := s.Payments.Release(ctx, holdID); err != nil && s.Logger != nil {
			s.Logger.Warn("payment release failed", "ride_id", rideID, "error", err)
		}
	}

	s.stopForwarding(rideID)
	return ride, nil
}

func (s *Service) settle(ctx context.Context, rideID string, ride *models.Ride) {
	s.mu.Lock()
	holdID := s.holds[rideID]
	delete(s.holds, rideID)
	s.mu.Unlock()
	if s.Payments == nil || holdID == "" {
		return
	}
	var cents int64
	if ride.ActualFare != nil {
		cents = int64(*ride.ActualFare * 100)
	}
	if err := s.Payments.Capture(ctx, holdID, cents); err != nil && s.Logger != nil {
		s.Logger.Warn("payment capture failed", "ride_id", rideID, "error", err)
	}
}

// startForwarding subscribes to the assigned agent's topic and relays each
// snapshot to the requester session until the ride goes terminal.
func (s *Service) startForwarding(ride *models.Ride) {
	if s.Bus == nil || s.Dispatch == nil {
		return
	}
	sub, err := s.Bus.Subscribe(fanout.AgentTopic(ride.AgentID))
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("location forward subscribe failed", "ride_id", ride.ID, "error", err)
		}
		return
	}
	s.mu.Lock()
	if s.forwarders == nil {
		s.forwarders = make(map[string]*fanout.Subscription)
	}
	if prev := s.forwarders[ride.ID]; prev != nil {
		s.Bus.Unsubscribe(prev)
	}
	s.forwarders[ride.ID] = sub
	s.mu.Unlock()

	requesterID := ride.RequesterID
	go func() {
		for loc := range sub.C() {
			_ = s.Dispatch.PushLocation(requesterID, loc)
		}
	}()
}

func (s *Service) stopForwarding(rideID string) {
	s.mu.Lock()
	sub := s.forwarders[rideID]
	delete(s.forwarders, rideID)
	s.mu.Unlock()
	if sub != nil && s.Bus != nil {
		s.Bus.Unsubscribe(sub)
	}
}

func (s *Service) tripSeconds(from, to models.Coord) float64 {
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(from, to); ok {
			return v
		}
	}
	if s.ETAClient != nil {
		if v, err := s.ETAClient.EstimateSeconds(from, to); err == nil {
			if s.ETACache != nil {
				s.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, s.DefaultSpeedMps)
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
