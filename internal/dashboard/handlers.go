package dashboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stm32hub/stm32hub/internal/hub"
	"github.com/stm32hub/stm32hub/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseLimit reads ?limit=, clamped to [1, maxLimit].
func parseLimit(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

// handleHealth returns liveness and the connected device count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": len(s.op.Devices()),
		"version": hub.VersionInfo(),
	})
}

func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.op.Devices()})
}

// commandRequest is the body of a command submission. Parameters may be a
// JSON string, null, or any other JSON value which is stored as its text.
type commandRequest struct {
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

func (c commandRequest) parameters() (*string, error) {
	raw := bytes.TrimSpace(c.Parameters)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return &s, nil
	}
	s := string(raw)
	return &s, nil
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	params, err := req.parameters()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid parameters")
		return
	}

	id, err := s.op.SubmitCommand(deviceID, req.Type, params)
	if errors.Is(err, hub.ErrEmptyCommandType) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("device", deviceID).Msg("failed to queue command")
		writeError(w, http.StatusInternalServerError, "failed to queue command")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"command_id": id,
		"status":     store.StatusPending,
	})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	cmds, err := s.op.Commands(deviceID, parseLimit(r))
	if err != nil {
		s.log.Error().Err(err).Str("device", deviceID).Msg("failed to list commands")
		writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	if cmds == nil {
		cmds = []store.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "commandID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}

	cmd, err := s.op.Command(id)
	if errors.Is(err, store.ErrCommandNotFound) {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Int64("command_id", id).Msg("failed to load command")
		writeError(w, http.StatusInternalServerError, "failed to load command")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleGetReadings serves both the per-device and the global route.
func (s *Server) handleGetReadings(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	readings, err := s.op.RecentReadings(deviceID, parseLimit(r))
	if err != nil {
		s.log.Error().Err(err).Str("device", deviceID).Msg("failed to load readings")
		writeError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	if readings == nil {
		readings = []store.SensorReading{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": readings})
}

func (s *Server) handleClearReadings(w http.ResponseWriter, r *http.Request) {
	if s.auth.HasTOTP() && !s.auth.CheckTOTP(r.Header.Get("X-TOTP-Code")) {
		writeError(w, http.StatusForbidden, "valid X-TOTP-Code required")
		return
	}

	n, err := s.op.ClearHistory()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to clear readings")
		writeError(w, http.StatusInternalServerError, "failed to clear readings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	events, err := s.op.ConnectionEvents(deviceID, parseLimit(r))
	if err != nil {
		s.log.Error().Err(err).Str("device", deviceID).Msg("failed to load events")
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	if events == nil {
		events = []store.ConnectionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
