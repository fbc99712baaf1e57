package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"

	"github.com/pushchain/mpc-relay/mpc/protocol"
)

// setupRoutes configures the websocket endpoint and the operational routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleWebsocket)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/public-key", s.handlePublicKey).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)

	return r
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handlePublicKey handles GET /public-key with the relay's hex Noise key.
func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s.keypair.Public.String()))
}

type sessionSummary struct {
	ID           string   `json:"id"`
	Owner        string   `json:"owner"`
	Threshold    uint16   `json:"threshold"`
	Parties      uint16   `json:"parties"`
	Participants []string `json:"participants"`
	Joined       uint16   `json:"joined"`
	State        string   `json:"state"`
	CreatedAt    string   `json:"createdAt"`
	ClosedAt     string   `json:"closedAt,omitempty"`
	Output       string   `json:"output,omitempty"`
}

// handleSessions handles GET /sessions?state=active&limit=20 from the session
// store. Without a store the route answers 404.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "session store disabled", http.StatusNotFound)
		return
	}
	state := protocol.SessionState(r.URL.Query().Get("state"))
	switch state {
	case "":
		state = protocol.SessionActive
	case protocol.SessionWaiting, protocol.SessionActive, protocol.SessionCompleted, protocol.SessionTimedOut:
	default:
		http.Error(w, "unknown state", http.StatusBadRequest)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := cast.ToIntE(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := s.store.ListByState(state, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list sessions")
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	out := make([]sessionSummary, 0, len(recs))
	for _, rec := range recs {
		sum := sessionSummary{
			ID:        rec.SessionID,
			Owner:     rec.Owner,
			Threshold: rec.Threshold,
			Parties:   rec.Parties,
			Joined:    rec.Joined,
			State:     rec.State,
			CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
			Output:    rec.Output,
		}
		if rec.Participants != "" {
			sum.Participants = strings.Split(rec.Participants, ",")
		}
		if rec.ClosedAt != nil {
			sum.ClosedAt = rec.ClosedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, sum)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
