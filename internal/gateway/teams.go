package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alekspetrov/taskflow/internal/model"
)

func viewTeam(t *model.TeamRecord) teamView {
	return teamView{ID: t.ID, Name: t.Name, QueueID: t.QueueID, CreatedAt: t.CreatedAt}
}

func (s *Server) createTeam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		ActorID string `json:"actor_id"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	team, err := s.teams.CreateTeam(r.Context(), req.Name, actorFrom(r, req.ActorID))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewTeam(team))
}

func (s *Server) listTeams(w http.ResponseWriter, r *http.Request) {
	list, err := s.teams.ListTeams(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]teamView, 0, len(list))
	for _, t := range list {
		out = append(out, viewTeam(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": out})
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.teams.ListMembers(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]memberView, 0, len(members))
	for _, m := range members {
		out = append(out, memberView{TeamID: m.TeamID, UserID: m.UserID, Role: m.Role, JoinedAt: m.JoinedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": out})
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string           `json:"user_id"`
		Role    model.MemberRole `json:"role"`
		ActorID string           `json:"actor_id"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Role == "" {
		req.Role = model.RoleMember
	}
	m, err := s.teams.AddMember(r.Context(), chi.URLParam(r, "teamID"), actorFrom(r, req.ActorID), req.UserID, req.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, memberView{TeamID: m.TeamID, UserID: m.UserID, Role: m.Role, JoinedAt: m.JoinedAt})
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	err := s.teams.RemoveMember(r.Context(), chi.URLParam(r, "teamID"), actorFrom(r, ""), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateMemberRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role    model.MemberRole `json:"role"`
		ActorID string           `json:"actor_id"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	teamID, userID := chi.URLParam(r, "teamID"), chi.URLParam(r, "userID")
	if err := s.teams.UpdateMemberRole(r.Context(), teamID, actorFrom(r, req.ActorID), userID, req.Role); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteTeam(w http.ResponseWriter, r *http.Request) {
	if err := s.teams.DeleteTeam(r.Context(), chi.URLParam(r, "teamID"), actorFrom(r, "")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ensurePersonalQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.teams.EnsurePersonalQueue(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewQueue(q))
}
