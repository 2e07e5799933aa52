package httpapi

import (
	"net/http"

	"github.com/mistakeknot/circulate/internal/core"
)

type bookRequest struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Copies int    `json:"copies"`
}

type resizeRequest struct {
	TotalCopies *int `json:"total_copies"`
}

func (s *Service) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !actor(r).Admin {
		s.writeError(w, r, core.Forbidden("registering books requires admin"))
		return
	}
	var req bookRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	book, err := s.books.Register(r.Context(), req.ID, req.Title, req.Copies)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

// handleBookByID serves GET /api/books/{id} and PUT /api/books/{id}/copies.
func (s *Service) handleBookByID(w http.ResponseWriter, r *http.Request) {
	parts := subpath(r.URL.Path, "/api/books/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		book, err := s.books.Get(r.Context(), parts[0])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case len(parts) == 2 && parts[1] == "copies":
		if r.Method != http.MethodPut {
			writeMethodNotAllowed(w)
			return
		}
		s.resizeBook(w, r, parts[0])
	default:
		s.writeError(w, r, core.NotFound("no route for %s", r.URL.Path))
	}
}

func (s *Service) resizeBook(w http.ResponseWriter, r *http.Request, id string) {
	if !actor(r).Admin {
		s.writeError(w, r, core.Forbidden("resizing books requires admin"))
		return
	}
	var req resizeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TotalCopies == nil {
		s.writeError(w, r, core.Validation("total_copies required"))
		return
	}
	book, err := s.books.ResizeTotal(r.Context(), id, *req.TotalCopies)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}
