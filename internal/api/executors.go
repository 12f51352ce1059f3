package api

import "net/http"

func (s *Server) handleListExecutors(w http.ResponseWriter, _ *http.Request) {
	executors := s.registry.List()
	s.writeJSON(w, http.StatusOK, executors)
}
