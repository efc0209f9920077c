package geo

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/example/ridehail/internal/models"
)

var (
	ErrInvalidRadius = errors.New("radius must be > 0")
	ErrInvalidStatus = errors.New("unknown status filter")
)

// Index is the proximity-index contract shared by the in-memory and Redis
// implementations. Upsert overwrites the whole entry for the agent; QueryNearby
// returns agents within radiusM of center, filtered by status (empty means any)
// and freshness (maxAge <= 0 means no bound), sorted by ascending distance with
// agent id as tiebreak. Results are computed eagerly, never a live cursor.
type Index interface {
	Upsert(ctx context.Context, loc models.AgentLocation) error
	QueryNearby(ctx context.Context, center models.Coord, radiusM float64, status models.AgentStatus, maxAge time.Duration) ([]models.AgentLocation, error)
	Lookup(ctx context.Context, agentID string) (models.AgentLocation, bool, error)
}

func validateQuery(radiusM float64, status models.AgentStatus) error {
	if radiusM <= 0 {
		return ErrInvalidRadius
	}
	if status != "" {
		if _, err := models.ParseAgentStatus(string(status)); err != nil {
			return ErrInvalidStatus
		}
	}
	return nil
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
