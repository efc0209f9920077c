package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ridehail/internal/models"
)

// cellDeg is the side of a grid cell in degrees (~1.1 km of latitude).
// A radius query only visits the cells overlapping its bounding box, so the
// cost tracks the number of nearby agents, not the total population.
const cellDeg = 0.01

const (
	cellShards  = 32
	agentShards = 32
)

// metersPerDegLat is close enough at city scale for bounding-box math; the
// exact haversine check runs per candidate anyway.
const metersPerDegLat = 111320.0

type cellKey struct {
	ilat int32
	ilon int32
}

func cellFor(c models.Coord) cellKey {
	return cellKey{
		ilat: int32(math.Floor(c.Lat / cellDeg)),
		ilon: int32(math.Floor(c.Lon / cellDeg)),
	}
}

type cellShard struct {
	mu    sync.RWMutex
	cells map[cellKey]map[string]models.AgentLocation
}

type agentShard struct {
	mu     sync.Mutex
	agents map[string]agentRef
}

type agentRef struct {
	cell  cellKey
	entry models.AgentLocation
}

// CellIndex is the in-memory proximity index: agent entries bucketed into
// fixed-size grid cells, cells spread over independently locked shards.
// There is no global lock; an upsert touches one agent shard and at most two
// cell shards, a query touches only the shards owning cells in its box.
type CellIndex struct {
	cells  [cellShards]cellShard
	agents [agentShards]agentShard
}

func NewCellIndex() *CellIndex {
	idx := &CellIndex{}
	for i := range idx.cells {
		idx.cells[i].cells = make(map[cellKey]map[string]models.AgentLocation)
	}
	for i := range idx.agents {
		idx.agents[i].agents = make(map[string]agentRef)
	}
	return idx
}

func (x *CellIndex) cellShardFor(k cellKey) *cellShard {
	h := uint32(k.ilat)*2654435761 ^ uint32(k.ilon)*40503
	return &x.cells[h%cellShards]
}

func (x *CellIndex) agentShardFor(id string) *agentShard {
	var h uint32 = 2166136261
	for i := 0; i < len(id); i++ {
		h = (h ^ uint32(id[i])) * 16777619
	}
	return &x.agents[h%agentShards]
}

// Upsert replaces the agent's entry entirely. A report strictly older than the
// stored one is ignored so that redelivered stragglers cannot roll the entry
// back; with monotonic per-agent timestamps the Nth call always wins.
func (x *CellIndex) Upsert(_ context.Context, loc models.AgentLocation) error {
	as := x.agentShardFor(loc.AgentID)
	as.mu.Lock()
	defer as.mu.Unlock()

	newCell := cellFor(loc.Loc)
	prev, exists := as.agents[loc.AgentID]
	if exists && loc.UpdatedAt.Before(prev.entry.UpdatedAt) {
		return nil
	}

	if exists && prev.cell != newCell {
		old := x.cellShardFor(prev.cell)
		old.mu.Lock()
		if m := old.cells[prev.cell]; m != nil {
			delete(m, loc.AgentID)
			if len(m) == 0 {
				delete(old.cells, prev.cell)
			}
		}
		old.mu.Unlock()
	}

	cs := x.cellShardFor(newCell)
	cs.mu.Lock()
	m := cs.cells[newCell]
	if m == nil {
		m = make(map[string]models.AgentLocation)
		cs.cells[newCell] = m
	}
	m[loc.AgentID] = loc
	cs.mu.Unlock()

	as.agents[loc.AgentID] = agentRef{cell: newCell, entry: loc}
	return nil
}

func (x *CellIndex) Lookup(_ context.Context, agentID string) (models.AgentLocation, bool, error) {
	as := x.agentShardFor(agentID)
	as.mu.Lock()
	ref, ok := as.agents[agentID]
	as.mu.Unlock()
	return ref.entry, ok, nil
}

func (x *CellIndex) QueryNearby(_ context.Context, center models.Coord, radiusM float64, status models.AgentStatus, maxAge time.Duration) ([]models.AgentLocation, error) {
	if err := validateQuery(radiusM, status); err != nil {
		return nil, err
	}

	var cutoff time.Time
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	dLat := radiusM / metersPerDegLat
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	dLon := 180.0
	if cosLat > 1e-6 {
		dLon = math.Min(180, radiusM/(metersPerDegLat*cosLat))
	}

	minLat := int32(math.Floor((center.Lat - dLat) / cellDeg))
	maxLat := int32(math.Floor((center.Lat + dLat) / cellDeg))
	minLon := int32(math.Floor((center.Lon - dLon) / cellDeg))
	maxLon := int32(math.Floor((center.Lon + dLon) / cellDeg))

	lonCells := int32(math.Ceil(360 / cellDeg))
	if maxLon-minLon+1 >= lonCells {
		// box spans every longitude; visit each column once
		minLon, maxLon = -lonCells/2, lonCells/2-1
	}

	type hit struct {
		loc  models.AgentLocation
		dist float64
	}
	var hits []hit

	for ilat := minLat; ilat <= maxLat; ilat++ {
		for ilon := minLon; ilon <= maxLon; ilon++ {
			// wrap across the antimeridian
			wlon := ((ilon % lonCells) + lonCells) % lonCells
			if wlon >= lonCells/2 {
				wlon -= lonCells
			}
			k := cellKey{ilat: ilat, ilon: wlon}
			cs := x.cellShardFor(k)
			cs.mu.RLock()
			for _, loc := range cs.cells[k] {
				// radius, status and age applied as one predicate per candidate
				if status != "" && loc.Status != status {
					continue
				}
				if maxAge > 0 && loc.UpdatedAt.Before(cutoff) {
					continue
				}
				d := Haversine(center.Lat, center.Lon, loc.Loc.Lat, loc.Loc.Lon)
				if d > radiusM {
					continue
				}
				hits = append(hits, hit{loc: loc, dist: d})
			}
			cs.mu.RUnlock()
		}
	}

	sort.Slice(hits, func(i, j int) bool {
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
