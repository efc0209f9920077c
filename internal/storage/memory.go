package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ridehail/internal/models"
)

// MemoryStore keeps the ledger in process memory. It mirrors the shape the
// Postgres store gets from its indexes: a small per-actor set of live rides
// (the hot path) kept separately from the append-only terminal history, so
// neither query scans the whole ledger.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride

	activeByRequester map[string]map[string]struct{}
	activeByAgent     map[string]map[string]struct{}

	historyByRequester map[string][]string // terminal ride ids, oldest first
	historyByAgent     map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:              make(map[string]*models.Ride),
		activeByRequester:  make(map[string]map[string]struct{}),
		activeByAgent:      make(map[string]map[string]struct{}),
		historyByRequester: make(map[string][]string),
		historyByAgent:     make(map[string][]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	addToSet(m.activeByRequester, r.RequesterID, r.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// Transition is the one strict serialization point: the status check and the
// write happen under the same lock, so of two racing accepts exactly one
// observes REQUESTED.
func (m *MemoryStore) Transition(_ context.Context, id string, to models.RideStatus, at time.Time, p TransitionParams) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !models.CanTransition(r.Status, to) {
		return nil, classify(to)
	}
	apply(r, to, at, p)

	if to == models.RideAccepted && r.AgentID != "" {
		addToSet(m.activeByAgent, r.AgentID, r.ID)
	}
	if to.Terminal() {
		removeFromSet(m.activeByRequester, r.RequesterID, r.ID)
		if r.AgentID != "" {
			removeFromSet(m.activeByAgent, r.AgentID, r.ID)
			m.historyByAgent[r.AgentID] = append(m.historyByAgent[r.AgentID], r.ID)
		}
		m.historyByRequester[r.RequesterID] = append(m.historyByRequester[r.RequesterID], r.ID)
	}

	cp := *r
	return &cp, nil
}

func (m *MemoryStore) FindActive(_ context.Context, actorID string, role models.Role) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.activeByRequester[actorID]
	if role == models.RoleAgent {
		set = m.activeByAgent[actorID]
	}
	out := make([]*models.Ride, 0, len(set))
	for id := range set {
		cp := *m.rides[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) FindHistory(_ context.Context, actorID string, role models.Role, limit int) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.historyByRequester[actorID]
	if role == models.RoleAgent {
		ids = m.historyByAgent[actorID]
	}
	out := make([]*models.Ride, 0, len(ids))
	for i := len(ids) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *m.rides[ids[i]]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return endedAt(out[i]).After(endedAt(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func addToSet(idx map[string]map[string]struct{}, key, id string) {
	set := idx[key]
	if set == nil {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet(idx map[string]map[string]struct{}, key, id string) {
	if set := idx[key]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}
