package gateway

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alekspetrov/taskflow/internal/model"
	"github.com/alekspetrov/taskflow/internal/orchestrator"
)

func (s *Server) createMonitor(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusUnprocessableEntity, "provider is required")
		return
	}
	cfg, err := model.DecodeProviderConfig(req.Provider, string(req.Config))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := s.svc.CreateMonitor(r.Context(), orchestrator.MonitorSpec{
		Name:                req.Name,
		Provider:            req.Provider,
		ConnectionID:        req.ConnectionID,
		Config:              cfg,
		PlaybookID:          req.PlaybookID,
		QueueID:             req.QueueID,
		PollIntervalSeconds: req.PollIntervalSeconds,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewMonitor(m))
}

func (s *Server) getMonitor(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.GetMonitor(r.Context(), chi.URLParam(r, "monitorID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewMonitor(m))
}

func (s *Server) listMonitors(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListMonitors(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]monitorView, 0, len(list))
	for _, m := range list {
		out = append(out, viewMonitor(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitors": out})
}

func (s *Server) deleteMonitor(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteMonitor(r.Context(), chi.URLParam(r, "monitorID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMonitorEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusUnprocessableEntity, "invalid limit")
			return
		}
		limit = n
	}
	id := chi.URLParam(r, "monitorID")
	if _, err := s.svc.GetMonitor(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.svc.ListMonitorEvents(r.Context(), id, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]monitorEventView, 0, len(events))
	for _, ev := range events {
		out = append(out, monitorEventView{
			ID:              ev.ID,
			ProviderEventID: ev.ProviderEventID,
			EventType:       ev.EventType,
			EventData:       ev.EventData,
			Processed:       ev.Processed,
			TaskID:          ev.TaskID,
			RunID:           ev.RunID,
			CreatedAt:       ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// pollMonitor reports provider failures in the result body, not the status.
func (s *Server) pollMonitor(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		s.fail(w, r, fmt.Errorf("%w: monitor poller not configured", model.ErrProviderUnavailable))
		return
	}
	res, err := s.poller.PollMonitor(r.Context(), chi.URLParam(r, "monitorID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) pauseMonitor(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.PauseMonitor(r.Context(), chi.URLParam(r, "monitorID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewMonitor(m))
}

func (s *Server) resumeMonitor(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.ResumeMonitor(r.Context(), chi.URLParam(r, "monitorID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewMonitor(m))
}
