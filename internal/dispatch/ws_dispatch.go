// Package dispatch pushes outbound messages (match offers, live location
// snapshots) to connected WebSocket sessions. It is a thin transport edge:
// a session that errors or stalls is dropped, never waited on.
package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ridehail/internal/models"
)

var ErrNoSession = errors.New("no websocket session")

const writeDeadline = 5 * time.Second

// WSSession serializes writes onto a single connection.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds live sessions for both roles. Requester sessions receive
// AgentLocation snapshots for their ride's agent; agent sessions receive
// match offers.
type WSRegistry struct {
	mu         sync.RWMutex
	agents     map[string]*WSSession
	requesters map[string]*WSSession
	logger     *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{
		agents:     make(map[string]*WSSession),
		requesters: make(map[string]*WSSession),
		logger:     logger,
	}
}

func (r *WSRegistry) Add(role models.Role, actorID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := &WSSession{conn: conn}
	if role == models.RoleAgent {
		r.agents[actorID] = sess
		return
	}
	r.requesters[actorID] = sess
}

func (r *WSRegistry) Remove(role models.Role, actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role == models.RoleAgent {
		delete(r.agents, actorID)
		return
	}
	delete(r.requesters, actorID)
}

// Offer pushes a match offer to the agent's session.
func (r *WSRegistry) Offer(agentID string, offer models.MatchOffer) error {
	return r.push(models.RoleAgent, agentID, offer)
}

// PushLocation pushes an agent location snapshot to the requester's session.
// Snapshots are idempotent; a failed or missing session just means this
// snapshot is skipped and the next one supersedes it.
func (r *WSRegistry) PushLocation(requesterID string, loc models.AgentLocation) error {
	return r.push(models.RoleRequester, requesterID, loc)
}

func (r *WSRegistry) push(role models.Role, actorID string, v any) error {
	r.mu.RLock()
	var sess *WSSession
	if role == models.RoleAgent {
		sess = r.agents[actorID]
	} else {
		sess = r.requesters[actorID]
	}
	r.mu.RUnlock()
	if sess == nil {
		return ErrNoSession
	}
	if err := sess.send(v); err != nil {
		if r.logger != nil {
			r.logger.Warn("ws send failed, dropping session", "role", string(role), "actor_id", actorID, "error", err)
		}
		r.Remove(role, actorID)
		return err
	}
	return nil
}
