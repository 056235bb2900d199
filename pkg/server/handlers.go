package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/script"
	"github.com/nstogner/evo/pkg/store"
	"github.com/nstogner/evo/pkg/workspace"
)

// maxUpload bounds uploaded workspace files.
const maxUpload = 32 << 20

// --- Runs ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, runs)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Goal  string `json:"goal"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.Goal == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("goal is required"))
		return
	}
	run, err := s.StartRun(r.Context(), req.Goal, req.Model)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, statusOf(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.Cancel(r.PathValue("id")); err != nil {
		s.errorResponse(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSteerRun(w http.ResponseWriter, r *http.Request) {
	var msg struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}
	if err := s.Steer(r.PathValue("id"), msg.Content); err != nil {
		s.errorResponse(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.errorResponse(w, statusOf(err), err)
		return
	}
	entries, err := s.store.GetEntriesAfter(r.Context(), id, r.URL.Query().Get("after"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, entries)
}

// --- Workspace ---

func (s *Server) runWorkspace(w http.ResponseWriter, r *http.Request) (workspace.Workspace, bool) {
	id := r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.errorResponse(w, statusOf(err), err)
		return nil, false
	}
	ws, err := s.workspace(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return ws, true
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.runWorkspace(w, r)
	if !ok {
		return
	}
	files, err := ws.List(r.URL.Query().Get("prefix"))
	if err != nil {
		s.errorResponse(w, statusOf(err), err)
		return
	}
	if files == nil {
		files = []workspace.File{}
	}
	s.jsonResponse(w, http.StatusOK, files)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.runWorkspace(w, r)
	if !ok {
		return
	}
	data, err := ws.ReadFile(r.PathValue("path"))
	if err != nil {
		s.errorResponse(w, statusOf(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.runWorkspace(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUpload+1))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if len(data) > maxUpload {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds %d bytes", maxUpload))
		return
	}
	if err := ws.WriteFile(r.PathValue("path"), data); err != nil {
		s.errorResponse(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloadZip(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.runWorkspace(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", r.PathValue("id")+".zip"))
	if err := workspace.WriteZip(w, ws); err != nil {
		s.log.Error("Failed to write workspace zip", "run", r.PathValue("id"), "error", err)
	}
}

// --- Sandbox ---

func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status := map[string]string{}
	for lang, e := range languages(s.engine) {
		st, ok := e.(statuser)
		if !ok {
			status[lang] = "in-process"
			continue
		}
		v, err := st.Status(r.Context(), id)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err)
			return
		}
		status[lang] = v
	}
	s.jsonResponse(w, http.StatusOK, status)
}

// --- Scripts ---

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := script.Search(r.Context(), s.scripts, r.URL.Query().Get("q"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if scripts == nil {
		scripts = []domain.Script{}
	}
	s.jsonResponse(w, http.StatusOK, scripts)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	sc, err := s.scripts.GetScriptByName(r.Context(), r.PathValue("name"))
	if err != nil {
		s.errorResponse(w, statusOf(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sc)
}

func (s *Server) handlePutScript(w http.ResponseWriter, r *http.Request) {
	var sc domain.Script
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	sc.Name = r.PathValue("name")
	if err := script.ValidateName(sc.Name); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if err := s.scripts.PutScript(r.Context(), sc); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sc)
}

// --- Models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.Models(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, models)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, script.ErrNotFound),
		errors.Is(err, workspace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrPathEscape):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
