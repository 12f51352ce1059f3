package api

import (
	"net/http"

	"github.com/rcassidy/verity/internal/model"
)

// handleQueueStatus reports queue depth, oldest entry age, and slot occupancy.
// Optional org and project query parameters narrow the view to one scope; with
// no parameters the response covers the whole queue.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	scope := model.Scope{
		OrgID:     r.URL.Query().Get("org"),
		ProjectID: r.URL.Query().Get("project"),
	}

	s.writeJSON(w, http.StatusOK, s.engine.Status(scope))
}
