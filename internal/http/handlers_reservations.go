package httpapi

import (
	"net/http"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/reservation"
)

type reservationRequest struct {
	BookID string `json:"book_id"`
}

func (s *Service) handleReservations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		statuses, page, err := reservationQuery(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out, err := s.reservations.ListMine(r.Context(), actor(r), statuses, page)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		s.createReservation(w, r)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleReservationSubpath serves /api/reservations/all, DELETE /{id} and
// POST /{id}/fulfill.
func (s *Service) handleReservationSubpath(w http.ResponseWriter, r *http.Request) {
	parts := subpath(r.URL.Path, "/api/reservations/")
	switch {
	case len(parts) == 1 && parts[0] == "all":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		statuses, page, err := reservationQuery(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out, err := s.reservations.ListAll(r.Context(), actor(r), r.URL.Query().Get("book"), statuses, page)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			writeMethodNotAllowed(w)
			return
		}
		res, err := s.reservations.Cancel(r.Context(), parts[0], actor(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case len(parts) == 2 && parts[1] == "fulfill":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		res, err := s.reservations.Fulfill(r.Context(), parts[0], actor(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		s.writeError(w, r, core.NotFound("no route for %s", r.URL.Path))
	}
}

func (s *Service) createReservation(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.BookID == "" {
		s.writeError(w, r, core.Validation("book_id required"))
		return
	}
	res, err := s.reservations.Create(r.Context(), actor(r), req.BookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func reservationQuery(r *http.Request) ([]core.ReservationStatus, core.Page, error) {
	statuses, err := reservation.ParseStatuses(statusParams(r))
	if err != nil {
		return nil, core.Page{}, err
	}
	page, err := pageParams(r)
	if err != nil {
		return nil, core.Page{}, err
	}
	return statuses, page, nil
}
