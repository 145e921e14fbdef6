package gateway

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alekspetrov/taskflow/internal/model"
)

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	spec, err := req.spec()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	task, err := s.svc.CreateTask(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewTask(task))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTask(task))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.TaskFilter{
		QueueID:      q.Get("queue_id"),
		Status:       model.Status(q.Get("status")),
		Phase:        model.Phase(q.Get("phase")),
		AssignedToID: q.Get("assigned_to_id"),
		RunID:        q.Get("run_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusUnprocessableEntity, "invalid limit")
			return
		}
		filter.Limit = n
	}
	tasks, err := s.svc.ListTasks(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": viewTasks(tasks)})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTask(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// taskAction applies one lifecycle transition named by the {action} segment.
func (s *Server) taskAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "taskID")
	actor := actorFrom(r, req.ActorID)

	var (
		task *model.Task
		err  error
	)
	switch action := chi.URLParam(r, "action"); action {
	case "ready":
		task, err = s.svc.MarkReady(ctx, id)
	case "checkout":
		task, err = s.svc.CheckOut(ctx, id, actor)
	case "submit":
		task, err = s.svc.SubmitForReview(ctx, id, actor)
	case "start-review":
		task, err = s.svc.StartReview(ctx, id, actor)
	case "request-changes":
		task, err = s.svc.RequestChanges(ctx, id, actor, req.Note)
	case "approve":
		task, err = s.svc.Approve(ctx, id, actor)
	case "resume":
		task, err = s.svc.ResumeWork(ctx, id, actor)
	case "complete":
		task, err = s.svc.Complete(ctx, id, actor, req.Output)
	case "fail":
		task, err = s.svc.Fail(ctx, id, req.Reason)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown task action %q", action))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTask(task))
}

func (s *Server) updateDependencies(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DependsOn []string `json:"depends_on"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	task, err := s.svc.UpdateTaskDependencies(r.Context(), chi.URLParam(r, "taskID"), req.DependsOn)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTask(task))
}

func (s *Server) overrideDependency(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.OverrideDependency(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "depID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTask(task))
}

func (s *Server) createQueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	q, err := s.svc.CreateQueue(r.Context(), model.Queue{
		Name:            req.Name,
		ScopeType:       req.ScopeType,
		ScopeID:         req.ScopeID,
		PriorityDefault: req.PriorityDefault,
		AllowBots:       req.AllowBots,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewQueue(q))
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.svc.GetQueue(r.Context(), chi.URLParam(r, "queueID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewQueue(q))
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.svc.ListQueues(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]queueView, 0, len(queues))
	for _, q := range queues {
		out = append(out, viewQueue(q))
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (s *Server) deleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteQueue(r.Context(), chi.URLParam(r, "queueID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
