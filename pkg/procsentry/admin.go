package procsentry

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// AdminServer exposes a small read-mostly HTTP surface over a Manager:
// liveness, a metrics/status snapshot, and an operator-triggered memory
// trim, for hosts that want to observe or nudge the binding manager from
// outside the process. Grounded on go-chi/chi/v5, already present in the
// example pack's dependency set.
type AdminServer struct {
	manager *Manager
	router  chi.Router
}

// NewAdminServer builds the router; serve it by wrapping Router() in the
// host's own http.Server.
func NewAdminServer(manager *Manager) *AdminServer {
	s := &AdminServer{manager: manager, router: chi.NewRouter()}
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/status", s.handleStatus)
	s.router.Post("/admin/trim/{level}", s.handleTrim)
	return s
}

// Router returns the underlying chi.Router for embedding in a larger
// mux.
func (s *AdminServer) Router() chi.Router { return s.router }

func (s *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.manager.Launcher().GetMetrics()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleTrim lets an operator simulate a memory-pressure level for
// testing without waiting on a real PressureSource; level must be one of
// moderate, low, hidden, complete, or the matching numeric code 0-3.
func (s *AdminServer) handleTrim(w http.ResponseWriter, r *http.Request) {
	level, ok := parsePressureLevel(chi.URLParam(r, "level"))
	if !ok {
		http.Error(w, "unknown pressure level", http.StatusBadRequest)
		return
	}
	s.manager.BindingManager().OnTrimMemory(level)
	w.WriteHeader(http.StatusAccepted)
}

func parsePressureLevel(s string) (PressureLevel, bool) {
	switch s {
	case "moderate":
		return PressureRunningModerate, true
	case "low":
		return PressureRunningLow, true
	case "hidden":
		return PressureUIHidden, true
	case "complete":
		return PressureComplete, true
	default:
		if n, err := strconv.Atoi(s); err == nil && n >= int(PressureRunningModerate) && n <= int(PressureComplete) {
			return PressureLevel(n), true
		}
		return 0, false
	}
}
