package httpapi

import (
	"net/http"

	"github.com/mistakeknot/circulate/internal/core"
)

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	page, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"
	out, err := s.notifications.List(r.Context(), actor(r), unreadOnly, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleNotificationSubpath serves POST /read-all, POST /{id}/read and
// DELETE /{id}.
func (s *Service) handleNotificationSubpath(w http.ResponseWriter, r *http.Request) {
	parts := subpath(r.URL.Path, "/api/notifications/")
	if len(parts) == 1 && parts[0] != "read-all" && r.Method == http.MethodDelete {
		if err := s.notifications.Delete(r.Context(), parts[0], actor(r)); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	switch {
	case len(parts) == 1 && parts[0] == "read-all":
		n, err := s.notifications.MarkAllRead(r.Context(), actor(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"marked": n})
	case len(parts) == 2 && parts[1] == "read":
		if err := s.notifications.MarkRead(r.Context(), parts[0], actor(r)); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, r, core.NotFound("no route for %s", r.URL.Path))
	}
}
