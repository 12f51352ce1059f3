package api

import "net/http"

// healthResponse reports liveness plus the number of registered executor
// types, so an orchestrator booted with an empty registry is visible before
// the first run errors out on dispatch.
type healthResponse struct {
	Status    string `json:"status"`
	Executors int    `json:"executors"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Executors: len(s.registry.List()),
	})
}
