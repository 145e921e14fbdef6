package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) createPlaybook(w http.ResponseWriter, r *http.Request) {
	s.savePlaybook(w, r, "", http.StatusCreated)
}

func (s *Server) updatePlaybook(w http.ResponseWriter, r *http.Request) {
	s.savePlaybook(w, r, chi.URLParam(r, "playbookID"), http.StatusOK)
}

func (s *Server) savePlaybook(w http.ResponseWriter, r *http.Request, id string, status int) {
	var req playbookRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	pb, err := s.svc.SavePlaybook(r.Context(), req.playbook(id))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, viewPlaybook(pb))
}

func (s *Server) getPlaybook(w http.ResponseWriter, r *http.Request) {
	pb, err := s.svc.GetPlaybook(r.Context(), chi.URLParam(r, "playbookID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPlaybook(pb))
}

func (s *Server) listPlaybooks(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListPlaybooks(r.Context(), r.URL.Query().Get("parent_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]playbookView, 0, len(list))
	for _, pb := range list {
		out = append(out, viewPlaybook(pb))
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": out})
}

func (s *Server) deletePlaybook(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeletePlaybook(r.Context(), chi.URLParam(r, "playbookID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPlaybookVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.svc.ListPlaybookVersions(r.Context(), chi.URLParam(r, "playbookID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]versionView, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionView{Version: v.Version, Name: v.Name, Steps: v.Steps, CreatedAt: v.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": out})
}

func (s *Server) runPlaybook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input map[string]any `json:"input"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	run, err := s.svc.StartPlaybook(r.Context(), chi.URLParam(r, "playbookID"), req.Input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	responses, err := s.svc.ListStepResponses(r.Context(), run.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewRun(run, responses))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, err := s.svc.GetRun(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	responses, err := s.svc.ListStepResponses(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRun(run, responses))
}

func (s *Server) skipStep(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "runID")
	run, err := s.svc.SkipStep(r.Context(), id, chi.URLParam(r, "stepID"), actorFrom(r, req.ActorID))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	responses, err := s.svc.ListStepResponses(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRun(run, responses))
}
