package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alekspetrov/taskflow/internal/model"
)

func (s *Server) createRecurring(w http.ResponseWriter, r *http.Request) {
	var req recurringRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	tmpl, rule, err := req.parts()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	retries := s.svc.DefaultMaxRetries()
	if req.MaxRetries != nil {
		retries = *req.MaxRetries
	}
	rt, err := s.svc.CreateRecurringTask(r.Context(), tmpl, rule, retries)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewRecurring(rt))
}

func (s *Server) getRecurring(w http.ResponseWriter, r *http.Request) {
	rt, err := s.svc.GetRecurringTask(r.Context(), chi.URLParam(r, "recurringID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRecurring(rt))
}

func (s *Server) listRecurring(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListRecurringTasks(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]recurringView, 0, len(list))
	for _, rt := range list {
		out = append(out, viewRecurring(rt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"recurring_tasks": out})
}

func (s *Server) triggerRecurring(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "recurringID")
	var (
		task *model.Task
		err  error
	)
	if s.trigger != nil {
		task, err = s.trigger.Trigger(r.Context(), id)
	} else {
		task, err = s.svc.TriggerRecurringTask(r.Context(), id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewTask(task))
}

func (s *Server) reactivateRecurring(w http.ResponseWriter, r *http.Request) {
	rt, err := s.svc.ReactivateRecurringTask(r.Context(), chi.URLParam(r, "recurringID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRecurring(rt))
}

func (s *Server) deactivateRecurring(w http.ResponseWriter, r *http.Request) {
	rt, err := s.svc.DeactivateRecurringTask(r.Context(), chi.URLParam(r, "recurringID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRecurring(rt))
}
