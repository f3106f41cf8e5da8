// Package api exposes the pool controller's internal operations over
// plain net/http: assignVM, resetVM, and the available/staging
// projections used by ops dashboards.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/oriys/vbrowserpool/internal/assign"
	"github.com/oriys/vbrowserpool/internal/domain"
	"github.com/oriys/vbrowserpool/internal/logging"
	"github.com/oriys/vbrowserpool/internal/observability"
	"github.com/oriys/vbrowserpool/internal/store"
)

// Resetter is the subset of controller.Controller the reset handler
// needs.
type Resetter interface {
	ResetVM(ctx context.Context, vmid, uid string)
}

// Lister is the subset of store.Store the dashboard projections need.
type Lister interface {
	ListByState(ctx context.Context, pool string, state domain.VMState) ([]domain.Record, error)
}

// Toucher is the subset of store.Store the heartbeat handler needs.
// Clients holding a leased VM post heartbeats so the reconcile loop can
// tell a live session from an abandoned one.
type Toucher interface {
	Touch(ctx context.Context, pool, vmid string) error
}

// Pool bundles one pool's handlers under its identity.
type Pool struct {
	ID        string
	Assigner  *assign.Assigner
	Reset     Resetter
	Store     Lister
	Heartbeat Toucher
}

// Server wires one or more pools onto an http.ServeMux.
type Server struct {
	mux   *http.ServeMux
	pools map[string]*Pool
}

// NewServer builds a Server exposing the given pools.
func NewServer(pools ...*Pool) *Server {
	s := &Server{mux: http.NewServeMux(), pools: make(map[string]*Pool)}
	for _, p := range pools {
		s.pools[p.ID] = p
	}
	s.mux.HandleFunc("/vbrowsers/assign", s.handleAssign)
	s.mux.HandleFunc("/vbrowsers/available", s.handleAvailable)
	s.mux.HandleFunc("/vbrowsers/staging", s.handleStaging)
	s.mux.HandleFunc("/vbrowsers/failures", s.handleFailures)
	s.mux.HandleFunc("/vbrowsers/", s.handleVM)
	return s
}

// Handler returns the wired mux wrapped in the tracing middleware.
func (s *Server) Handler() http.Handler {
	return observability.HTTPMiddleware(s.mux)
}

func (s *Server) pool(r *http.Request) (*Pool, bool) {
	id := r.URL.Query().Get("pool")
	p, ok := s.pools[id]
	return p, ok
}

type assignRequest struct {
	RoomID string `json:"room_id"`
	UID    string `json:"uid"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, ok := s.pool(r)
	if !ok {
		http.Error(w, "unknown pool", http.StatusNotFound)
		return
	}

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	rec, err := p.Assigner.Assign(r.Context(), req.RoomID, req.UID)
	if errors.Is(err, assign.ErrRoomGone) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		ctx := r.Context()
		logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx)).
			Warn("[API] assign failed", "pool", p.ID, "room_id", req.RoomID, "err", err)
		http.Error(w, "assign failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// handleVM dispatches the per-VM operations, /vbrowsers/{vmid}/reset
// and /vbrowsers/{vmid}/heartbeat.
func (s *Server) handleVM(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/vbrowsers/")
	vmid, op, ok := strings.Cut(rest, "/")
	if !ok || vmid == "" {
		http.NotFound(w, r)
		return
	}
	p, poolOK := s.pool(r)
	if !poolOK {
		http.Error(w, "unknown pool", http.StatusNotFound)
		return
	}
	switch op {
	case "reset":
		uid := r.URL.Query().Get("uid")
		p.Reset.ResetVM(r.Context(), vmid, uid)
		w.WriteHeader(http.StatusAccepted)
	case "heartbeat":
		if err := p.Heartbeat.Touch(r.Context(), p.ID, vmid); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				http.Error(w, "unknown vm", http.StatusNotFound)
				return
			}
			logging.Op().Warn("[API] heartbeat failed", "pool", p.ID, "vmid", vmid, "err", err)
			http.Error(w, "heartbeat failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

// handleFailures returns the most recent readiness-probe failures for a
// pool, for operators chasing a vmid that never leaves staging.
func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pool(r)
	if !ok {
		http.Error(w, "unknown pool", http.StatusNotFound)
		return
	}
	captures := logging.GetProbeCaptureStore().GetByPool(p.ID, 25)
	if captures == nil {
		captures = []*logging.ProbeCapture{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(captures)
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	s.listByState(w, r, domain.StateAvailable)
}

func (s *Server) handleStaging(w http.ResponseWriter, r *http.Request) {
	s.listByState(w, r, domain.StateStaging)
}

func (s *Server) listByState(w http.ResponseWriter, r *http.Request, state domain.VMState) {
	p, ok := s.pool(r)
	if !ok {
		http.Error(w, "unknown pool", http.StatusNotFound)
		return
	}
	recs, err := p.Store.ListByState(r.Context(), p.ID, state)
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.VMID)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ids)
}
