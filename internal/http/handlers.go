package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/ridehail/internal/config"
	"github.com/example/ridehail/internal/dispatch"
	"github.com/example/ridehail/internal/eta"
	"github.com/example/ridehail/internal/fanout"
	"github.com/example/ridehail/internal/geo"
	"github.com/example/ridehail/internal/ingest"
	"github.com/example/ridehail/internal/matcher"
	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/payments"
	"github.com/example/ridehail/internal/pricing"
	"github.com/example/ridehail/internal/storage"
)

type Server struct {
	Ingest  *ingest.Service
	Matcher *matcher.Service
	Store   storage.RideStore
	WSReg   *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the whole subsystem from config: Redis-backed index and
// fanout when an address is configured, in-process fallbacks otherwise;
// Postgres ledger when a DSN is set, memory otherwise.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	var index geo.Index
	if rc != nil {
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
	} else {
		index = geo.NewCellIndex()
	}

	var bus fanout.Bus
	if rc != nil && cfg.RedisFanout {
		bus = fanout.NewRedisBroker(rc, cfg.FanoutBuffer, logger)
	} else {
		bus = fanout.NewBroker(cfg.FanoutBuffer)
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var settler payments.Settler
	if cfg.StripeAPIKey != "" {
		settler = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	var etaClient eta.Client
	if cfg.OSRMEndpoint != "" {
		etaClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	wsreg := dispatch.NewWSRegistry(logger)
	m := &matcher.Service{
		Index:           index,
		Store:           store,
		Bus:             bus,
		Dispatch:        wsreg,
		Pricing:         &pricing.Engine{Base: cfg.FareBase, PerKm: cfg.FarePerKm, PerMin: cfg.FarePerMin},
		Payments:        settler,
		ETAClient:       etaClient,
		ETACache:        eta.NewCache(cfg.FreshnessBound),
		SearchRadiusM:   cfg.SearchRadiusM,
		FreshnessBound:  cfg.FreshnessBound,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		Logger:          logger,
	}
	ing := &ingest.Service{Index: index, Bus: bus, Kafka: kp, Logger: logger}

	s := &Server{Ingest: ing, Matcher: m, Store: store, WSReg: wsreg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/agent/locations", s.handleAgentLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/active", s.handleActiveRides).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/history", s.handleRideHistory).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/{action:accept|start|complete|cancel}", s.handleRideAction).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{role}/{actor_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type locationPayload struct {
	AgentID      string  `json:"agent_id"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Status       string  `json:"status"`
	Name         string  `json:"name,omitempty"`
	VehicleClass string  `json:"vehicle_class,omitempty"`
	Rating       float64 `json:"rating,omitempty"`
}

func (s *Server) handleAgentLocation(w http.ResponseWriter, r *http.Request) {
	var p locationPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	loc, err := s.Ingest.Report(r.Context(), ingest.Report{
		AgentID:      p.AgentID,
		Lat:          p.Latitude,
		Lon:          p.Longitude,
		Status:       models.AgentStatus(p.Status),
		Name:         p.Name,
		VehicleClass: p.VehicleClass,
		Rating:       p.Rating,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	ride, candidates, err := s.Matcher.Request(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{"ride": ride, "candidates": candidates}
	if len(candidates) == 0 {
		// a valid empty-match outcome, not an error
		resp["message"] = "no agents currently available"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRideAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rideID := vars["ride_id"]

	var ride *models.Ride
	var err error
	switch vars["action"] {
	case "accept":
		var body struct {
			AgentID string `json:"agent_id"`
		}
		if derr := json.NewDecoder(r.Body).Decode(&body); derr != nil {
			writeJSONError(w, http.StatusBadRequest, derr)
			return
		}
		ride, err = s.Matcher.Accept(r.Context(), rideID, body.AgentID)
	case "start":
		ride, err = s.Matcher.Start(r.Context(), rideID)
	case "complete":
		ride, err = s.Matcher.Complete(r.Context(), rideID)
	case "cancel":
		ride, err = s.Matcher.Cancel(r.Context(), rideID)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Store.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleActiveRides(w http.ResponseWriter, r *http.Request) {
	actorID, role, err := actorParams(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	rides, err := s.Store.FindActive(r.Context(), actorID, role)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleRideHistory(w http.ResponseWriter, r *http.Request) {
	actorID, role, err := actorParams(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	rides, err := s.Store.FindHistory(r.Context(), actorID, role, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

func actorParams(r *http.Request) (string, models.Role, error) {
	actorID := r.URL.Query().Get("actor_id")
	if actorID == "" {
		return "", "", errors.New("actor_id is required")
	}
	role, err := models.ParseRole(r.URL.Query().Get("role"))
	if err != nil {
		return "", "", err
	}
	return actorID, role, nil
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role, err := models.ParseRole(vars["role"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	actorID := vars["actor_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSReg.Add(role, actorID, conn)
	// drain the connection to notice the peer going away
	go func() {
		defer func() {
			s.WSReg.Remove(role, actorID)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// writeError maps the domain error taxonomy to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, err)
	case errors.Is(err, ingest.ErrEmptyAgentID),
		errors.Is(err, ingest.ErrCoordOutOfRange),
		errors.Is(err, ingest.ErrInvalidStatus),
		errors.Is(err, geo.ErrInvalidRadius),
		errors.Is(err, geo.ErrInvalidStatus),
		errors.Is(err, matcher.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, err)
	default:
		s.logger.Error("request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
