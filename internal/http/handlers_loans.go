package httpapi

import (
	"net/http"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/lending"
)

type checkoutRequest struct {
	BookID string `json:"book_id"`
}

type batchReturnRequest struct {
	LoanIDs []string `json:"loan_ids"`
}

func (s *Service) handleLoans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listMyLoans(w, r)
	case http.MethodPost:
		s.checkout(w, r)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleLoanSubpath serves /api/loans/all, /stats, /batch-return, /{id}
// and /{id}/return|renew.
func (s *Service) handleLoanSubpath(w http.ResponseWriter, r *http.Request) {
	parts := subpath(r.URL.Path, "/api/loans/")
	switch {
	case len(parts) == 1 && parts[0] == "all":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		s.listAllLoans(w, r)
	case len(parts) == 1 && parts[0] == "stats":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		s.loanStats(w, r)
	case len(parts) == 1 && parts[0] == "batch-return":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		s.batchReturn(w, r)
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		loan, err := s.loans.Get(r.Context(), parts[0], actor(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, loan)
	case len(parts) == 2 && (parts[1] == "return" || parts[1] == "renew"):
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		s.loanAction(w, r, parts[0], parts[1])
	default:
		s.writeError(w, r, core.NotFound("no route for %s", r.URL.Path))
	}
}

func (s *Service) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.BookID == "" {
		s.writeError(w, r, core.Validation("book_id required"))
		return
	}
	loan, err := s.loans.Checkout(r.Context(), actor(r), req.BookID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Service) loanAction(w http.ResponseWriter, r *http.Request, id, action string) {
	var (
		loan core.Loan
		err  error
	)
	if action == "return" {
		loan, err = s.loans.Return(r.Context(), id, actor(r))
	} else {
		loan, err = s.loans.Renew(r.Context(), id, actor(r))
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Service) batchReturn(w http.ResponseWriter, r *http.Request) {
	var req batchReturnRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.LoanIDs) == 0 {
		s.writeError(w, r, core.Validation("loan_ids required"))
		return
	}
	writeJSON(w, http.StatusOK, s.loans.BatchReturn(r.Context(), req.LoanIDs, actor(r)))
}

func (s *Service) listMyLoans(w http.ResponseWriter, r *http.Request) {
	statuses, page, err := loanQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.loans.ListMine(r.Context(), actor(r), statuses, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) listAllLoans(w http.ResponseWriter, r *http.Request) {
	statuses, page, err := loanQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.loans.ListAll(r.Context(), actor(r), r.URL.Query().Get("user"), statuses, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) loanStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.loans.Stats(r.Context(), actor(r), s.loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func loanQuery(r *http.Request) ([]core.LoanStatus, core.Page, error) {
	statuses, err := lending.ParseStatuses(statusParams(r))
	if err != nil {
		return nil, core.Page{}, err
	}
	page, err := pageParams(r)
	if err != nil {
		return nil, core.Page{}, err
	}
	return statuses, page, nil
}
