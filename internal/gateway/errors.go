package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/alekspetrov/taskflow/internal/model"
	"github.com/alekspetrov/taskflow/internal/teams"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrAlreadyClaimed),
		errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrBlocked),
		errors.Is(err, model.ErrMonitorPaused),
		errors.Is(err, model.ErrPlaybookInUse),
		errors.Is(err, model.ErrQueueInUse),
		errors.Is(err, model.ErrTaskReferenced),
		errors.Is(err, teams.ErrAlreadyMember),
		errors.Is(err, teams.ErrLastOwner):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, model.ErrCyclicDependency),
		errors.Is(err, model.ErrCyclicNesting),
		errors.Is(err, model.ErrInvalidPlaybook),
		errors.Is(err, model.ErrUnresolvableAssignment),
		errors.Is(err, model.ErrInvalidQueue),
		errors.Is(err, model.ErrInvalidRecurrence),
		errors.Is(err, teams.ErrInvalidRole),
		errors.Is(err, teams.ErrSelfRoleChange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Unmapped errors are logged and
// hidden from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: request body: %v", model.ErrInvalidInput, err)
	}
	return nil
}
