package geo

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridehail/internal/models"
)

// RedisIndex implements Index on Redis GEO commands so several matcher
// instances can share one view of the fleet. Positions live in a geo set,
// the denormalized filter/display attributes in a per-agent hash; both are
// written by Upsert (and by the Kafka writeback consumer).
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func metaKey(id string) string { return "agent:meta:" + id }

func (r *RedisIndex) Upsert(ctx context.Context, loc models.AgentLocation) error {
	pipe := r.client.Pipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Loc.Lon, Latitude: loc.Loc.Lat, Name: loc.AgentID})
	pipe.HSet(ctx, metaKey(loc.AgentID), map[string]interface{}{
		"status":  string(loc.Status),
		"updated": loc.UpdatedAt.Format(time.RFC3339Nano),
		"name":    loc.Name,
		"vehicle": loc.VehicleClass,
		"rating":  strconv.FormatFloat(loc.Rating, 'f', -1, 64),
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Lookup(ctx context.Context, agentID string) (models.AgentLocation, bool, error) {
	pos, err := r.client.GeoPos(ctx, r.key, agentID).Result()
	if err != nil {
		return models.AgentLocation{}, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.AgentLocation{}, false, nil
	}
	loc := models.AgentLocation{AgentID: agentID, Loc: models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}}
	meta, err := r.client.HGetAll(ctx, metaKey(agentID)).Result()
	if err != nil {
		return models.AgentLocation{}, false, err
	}
	applyMeta(&loc, meta)
	return loc, true, nil
}

func (r *RedisIndex) QueryNearby(ctx context.Context, center models.Coord, radiusM float64, status models.AgentStatus, maxAge time.Duration) ([]models.AgentLocation, error) {
	if err := validateQuery(radiusM, status); err != nil {
		return nil, err
	}
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusM,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}

	var cutoff time.Time
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	type hit struct {
		loc  models.AgentLocation
		dist float64
	}
	hits := make([]hit, 0, len(res))
	for _, g := range res {
		loc := models.AgentLocation{AgentID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		meta, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, err
		}
		applyMeta(&loc, meta)
		if status != "" && loc.Status != status {
			continue
		}
		if maxAge > 0 && loc.UpdatedAt.Before(cutoff) {
			continue
		}
		hits = append(hits, hit{loc: loc, dist: g.Dist})
	}

	// redis orders by distance; make ties deterministic by agent id
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].loc.AgentID < hits[j].loc.AgentID
	})
	out := make([]models.AgentLocation, len(hits))
	for i, h := range hits {
		out[i] = h.loc
	}
	return out, nil
}

func applyMeta(loc *models.AgentLocation, meta map[string]string) {
	if v, ok := meta["status"]; ok {
		if s, err := models.ParseAgentStatus(v); err == nil {
			loc.Status = s
		}
	}
	if v, ok := meta["updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			loc.UpdatedAt = t
		}
	}
	loc.Name = meta["name"]
	loc.VehicleClass = meta["vehicle"]
	if v, ok := meta["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			loc.Rating = f
		}
	}
}
