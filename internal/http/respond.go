package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mistakeknot/circulate/internal/auth"
	"github.com/mistakeknot/circulate/internal/core"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(kind core.Kind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindPermission:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps domain errors to their status. Anything else is logged and
// reported as an opaque internal error.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *core.Error
	if !errors.As(err, &de) {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{Code: string(core.KindInternal), Message: "internal error"}})
		return
	}
	code := de.Reason
	if code == "" {
		code = string(de.Kind)
	}
	writeJSON(w, statusFor(de.Kind), errorBody{Error: errorDetail{Code: code, Message: de.Error()}})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorDetail{Code: "method_not_allowed", Message: "method not allowed"}})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return core.Validation("request body required")
		}
		return core.Validation("invalid JSON body: %v", err)
	}
	return nil
}

// actor returns the caller attached by the auth middleware. Routes mounted
// without middleware see an anonymous actor, which every operation rejects.
func actor(r *http.Request) core.Actor {
	a, _ := auth.ActorFromContext(r.Context())
	return a
}

func pageParams(r *http.Request) (core.Page, error) {
	q := r.URL.Query()
	var p core.Page
	for name, dst := range map[string]*int{"page": &p.Page, "per_page": &p.PerPage} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return core.Page{}, core.Validation("%s must be a positive integer", name)
		}
		*dst = n
	}
	return p.Normalize(), nil
}

// statusParams accepts ?status=a,b as well as repeated status parameters.
func statusParams(r *http.Request) []string {
	var out []string
	for _, v := range r.URL.Query()["status"] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// subpath splits the remainder of path after prefix into its segments.
func subpath(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
