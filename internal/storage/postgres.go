package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ridehail/internal/models"
)

// PostgresStore is the durable ledger. The state machine runs as a
// conditional UPDATE (status must still be one of the legal sources for the
// target), so the database serializes racing transitions; every transition
// also appends a row to ride_events in the same transaction.
//
// Schema and indexes live in migrations/001_create_rides.sql: partial
// indexes cover the small non-terminal subset per actor, composite indexes
// cover terminal history newest-first.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, requester_id, agent_id, status,
	pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	estimated_distance_m, estimated_duration_s, estimated_fare, actual_fare,
	requester_name, agent_name,
	created_at, accepted_at, started_at, completed_at, cancelled_at`

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		r.ID, r.RequesterID, nullStr(r.AgentID), string(r.Status),
		r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.EstimatedDistanceM, r.EstimatedDurationS, r.EstimatedFare, r.ActualFare,
		nullStr(r.RequesterName), nullStr(r.AgentName),
		r.CreatedAt, r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func (p *PostgresStore) Transition(ctx context.Context, id string, to models.RideStatus, at time.Time, params TransitionParams) (*models.Ride, error) {
	sources := make([]string, 0, 4)
	for _, s := range models.TransitionSources(to) {
		sources = append(sources, string(s))
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `UPDATE rides SET
			status = $1,
			agent_id = COALESCE(NULLIF($2, ''), agent_id),
			agent_name = COALESCE(NULLIF($3, ''), agent_name),
			actual_fare = COALESCE(actual_fare, $4),
			accepted_at = CASE WHEN $1 = 'ACCEPTED' THEN COALESCE(accepted_at, $5) ELSE accepted_at END,
			started_at = CASE WHEN $1 = 'IN_PROGRESS' THEN COALESCE(started_at, $5) ELSE started_at END,
			completed_at = CASE WHEN $1 = 'COMPLETED' THEN COALESCE(completed_at, $5) ELSE completed_at END,
			cancelled_at = CASE WHEN $1 = 'CANCELLED' THEN COALESCE(cancelled_at, $5) ELSE cancelled_at END
		WHERE id = $6 AND status = ANY($7)
		RETURNING `+rideColumns,
		string(to), params.AgentID, params.AgentName, params.ActualFare, at, id, pq.Array(sources))

	r, err := scanRide(row)
	if errors.Is(err, ErrNotFound) {
		// the CAS missed: distinguish unknown ride from an illegal move
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM rides WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return nil, classify(to)
	}
	if err != nil {
		return nil, err
	}

	var from string
	switch to {
	case models.RideAccepted:
		from = string(models.RideRequested)
	default:
		// the source is implied by the winning CAS; record the target's
		// canonical predecessor for the audit trail
		from = string(previousOf(to, r))
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO ride_events(ride_id, from_status, to_status, occurred_at)
		VALUES($1,$2,$3,$4)`, id, from, string(to), at); err != nil {
		return nil, fmt.Errorf("append ride event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func previousOf(to models.RideStatus, r *models.Ride) models.RideStatus {
	switch to {
	case models.RideInProgress:
		return models.RideAccepted
	case models.RideCompleted:
		return models.RideInProgress
	case models.RideCancelled:
		switch {
		case r.StartedAt != nil:
			return models.RideInProgress
		case r.AcceptedAt != nil:
			return models.RideAccepted
		default:
			return models.RideRequested
		}
	default:
		return models.RideRequested
	}
}

var nonTerminal = []string{string(models.RideRequested), string(models.RideAccepted), string(models.RideInProgress)}
var terminal = []string{string(models.RideCompleted), string(models.RideCancelled)}

func actorColumn(role models.Role) string {
	if role == models.RoleAgent {
		return "agent_id"
	}
	return "requester_id"
}

func (p *PostgresStore) FindActive(ctx context.Context, actorID string, role models.Role) ([]*models.Ride, error) {
	// served by the partial index over non-terminal rides
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE `+actorColumn(role)+` = $1 AND status = ANY($2)
		ORDER BY created_at DESC`, actorID, pq.Array(nonTerminal))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRides(rows)
}

func (p *PostgresStore) FindHistory(ctx context.Context, actorID string, role models.Role, limit int) ([]*models.Ride, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE `+actorColumn(role)+` = $1 AND status = ANY($2)
		ORDER BY COALESCE(completed_at, cancelled_at, created_at) DESC
		LIMIT $3`, actorID, pq.Array(terminal), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRides(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var agentID, requesterName, agentName sql.NullString
	var actualFare sql.NullFloat64
	var status string
	var acceptedAt, startedAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(&r.ID, &r.RequesterID, &agentID, &status,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.EstimatedDistanceM, &r.EstimatedDurationS, &r.EstimatedFare, &actualFare,
		&requesterName, &agentName,
		&r.CreatedAt, &acceptedAt, &startedAt, &completedAt, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.Status = models.RideStatus(status)
	r.AgentID = agentID.String
	r.RequesterName = requesterName.String
	r.AgentName = agentName.String
	if actualFare.Valid {
		r.ActualFare = &actualFare.Float64
	}
	r.AcceptedAt = timePtr(acceptedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	return &r, nil
}

func scanRides(rows *sql.Rows) ([]*models.Ride, error) {
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
