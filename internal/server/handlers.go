package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/membank/bankd/internal/engine"
	"github.com/membank/bankd/internal/runner"
	"github.com/membank/bankd/pkg/models"
)

// executeRequest is the body of POST /api/execute and /api/background.
type executeRequest struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
	WorkDir   string            `json:"workDir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Priority  string            `json:"priority,omitempty"`
}

func (req *executeRequest) options() runner.Options {
	return runner.Options{
		Timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
		WorkDir:  req.WorkDir,
		Env:      req.Env,
		Priority: req.Priority,
	}
}

type modeRequest struct {
	Mode        string `json:"mode"`
	Description string `json:"description,omitempty"`
}

type checkpointRequest struct {
	Description string `json:"description"`
}

type rewindRequest struct {
	CheckpointID string `json:"checkpointId"`
}

type sessionRequest struct {
	Description string `json:"description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Service) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.engine.ExecuteCommand(r.Context(), req.Command, req.Args, req.options())
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, runner.ErrTooManyProcesses) {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleBackground(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	handleID, err := s.engine.ExecuteInBackground(req.Command, req.Args, req.options())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"handleId": handleID})
}

func (s *Service) handleStopBackground(w http.ResponseWriter, r *http.Request) {
	handleID := chi.URLParam(r, "id")
	if !s.engine.StopProcess(handleID) {
		writeError(w, http.StatusNotFound, "no such process: "+handleID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"handleId": handleID, "status": "stopping"})
}

func (s *Service) handleProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ActiveProcesses())
}

func (s *Service) handleSwitchMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cp, err := s.engine.SwitchMode(req.Mode, req.Description)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := map[string]interface{}{"mode": req.Mode}
	if cp != nil {
		resp["checkpointId"] = cp.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req checkpointRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cp, err := s.engine.CreateCheckpoint(req.Description, models.TriggerManual)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Service) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.engine.Checkpoints()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cps == nil {
		cps = []*models.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Service) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cp, err := s.engine.GetCheckpoint(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cp == nil {
		writeError(w, http.StatusNotFound, "no such checkpoint: "+id)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Service) handleDeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.engine.DeleteCheckpoint(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "no such checkpoint: "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"checkpointId": id, "status": "deleted"})
}

func (s *Service) handleRewind(w http.ResponseWriter, r *http.Request) {
	var req rewindRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.engine.RewindTo(req.CheckpointID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrCheckpointNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleUndoRewind(w http.ResponseWriter, r *http.Request) {
	if !s.engine.UndoLastRewind() {
		writeError(w, http.StatusConflict, "nothing to undo")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "undone"})
}

func (s *Service) handleRewindHistory(w http.ResponseWriter, r *http.Request) {
	history := s.engine.RewindHistory()
	if history == nil {
		history = []models.RewindOperation{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Service) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusCreated, s.engine.StartSession(req.Description))
}

func (s *Service) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess := s.engine.EndSession()
	if sess == nil {
		writeError(w, http.StatusConflict, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"sessions": s.engine.Sessions(),
	}
	if current := s.engine.CurrentSession(); current != nil {
		resp["current"] = current
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Service) handleTimelineExecutions(w http.ResponseWriter, r *http.Request) {
	timeline := s.engine.Timeline()
	if timeline == nil {
		writeError(w, http.StatusNotFound, "timeline is disabled")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	rows, err := timeline.RecentExecutions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	if !s.ready.Load() {
		status = "starting"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).String(),
		"mode":    s.engine.Mode(),
	})
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "service is starting up")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
