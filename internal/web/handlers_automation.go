package web

import (
	"net/http"

	"zwave-go-home/internal/automation"
)

func (s *Server) automationEnabled(w http.ResponseWriter) bool {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeError(w, http.StatusNotFound, "automation not enabled")
		return false
	}
	return true
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if !s.automationEnabled(w) {
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if scripts == nil {
		scripts = []*automation.Script{}
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationEnabled(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	s.writeJSON(w, http.StatusOK, script)
}

// handleAPISaveAutomation writes a script and restarts it so that its
// hooks take effect.
func (s *Server) handleAPISaveAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationEnabled(w) {
		return
	}
	var script automation.Script
	if err := decodeBody(w, r, &script); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	script.ID = r.PathValue("id")
	saved, err := s.scriptMgr.Save(&script)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"script": saved, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"script": saved})
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationEnabled(w) {
		return
	}
	id := r.PathValue("id")
	s.autoEngine.StopScript(id)
	if err := s.scriptMgr.Delete(id); err != nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runLuaRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleAPIRunLua(w http.ResponseWriter, r *http.Request) {
	if !s.automationEnabled(w) {
		return
	}
	var req runLuaRequest
	if err := decodeBody(w, r, &req); err != nil || req.Code == "" {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.Code))
}
