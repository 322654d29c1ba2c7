package store

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/polcache/polcache/raft"
)

// Router exposes the node's client API over HTTP. Consensus semantics
// live in Store; this is plain JSON plumbing for the surrounding
// services.
func (s *Store) Router() *mux.Router {
	r := mux.NewRouter()

	sr := r.PathPrefix("/api").Subrouter()
	sr.Path("/status").Methods("GET").HandlerFunc(s.handleStatus)
	sr.Path("/policies/{id}").Methods("GET").HandlerFunc(s.handleGetPolicy)
	sr.Path("/policies/{id}").Methods("PUT").HandlerFunc(s.handlePutPolicy)
	sr.Path("/policies/{id}").Methods("DELETE").HandlerFunc(s.handleDeletePolicy)
	sr.Path("/invalidate").Methods("POST").HandlerFunc(s.handleInvalidate)

	return r
}

type putPolicyRequest struct {
	Data       json.RawMessage `json:"data"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
}

type invalidateRequest struct {
	PolicyIDs []string `json:"policy_ids"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Store) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Store) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	p, found, err := s.GetPolicy(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "policy not found"})
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (s *Store) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req putPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := s.UpdatePolicy(id, req.Data, req.TTLSeconds); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Store) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.DeletePolicy(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Store) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := s.InvalidatePolicies(req.PolicyIDs); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, raft.ErrNoLeader), errors.Is(err, raft.ErrQuorumUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, raft.ErrNotLeader):
		code = http.StatusConflict
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
