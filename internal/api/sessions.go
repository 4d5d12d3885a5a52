package api

import (
	"errors"
	"net/http"
	"os"

	"github.com/user/ptymux/internal/pty"
	"github.com/user/ptymux/internal/recording"
	"github.com/user/ptymux/internal/session"
)

type createSessionRequest struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	WorkDir string   `json:"workDir"`
	Env     []string `json:"env"`
	Cols    uint16   `json:"cols"`
	Rows    uint16   `json:"rows"`
}

type resizeRequest struct {
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
	Reset bool   `json:"reset"`
}

type inputRequest struct {
	Text string `json:"text"`
	Key  string `json:"key"`
}

type killRequest struct {
	Signal string `json:"signal"`
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.WorkDir != "" {
		if info, err := os.Stat(req.WorkDir); err != nil || !info.IsDir() {
			jsonError(w, http.StatusBadRequest, "workDir must be an existing directory")
			return
		}
	}

	s, err := h.registry.Create(r.Context(), session.CreateOptions{
		Name:    req.Name,
		Command: req.Command,
		WorkDir: req.WorkDir,
		Env:     req.Env,
		Cols:    req.Cols,
		Rows:    req.Rows,
	})
	if err != nil {
		h.logger.Warn("session create failed", "command", req.Command, "error", err)
		registryError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, s.Info())
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.registry.List(r.Context())
	if err != nil {
		registryError(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.Info{}
	}
	jsonResponse(w, http.StatusOK, sessions)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.registry.Describe(r.Context(), r.PathValue("id"))
	if err != nil {
		registryError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, info)
}

// deleteSession kills the process if it still runs and releases the
// session. The recording and catalog row are kept.
func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(r.Context(), r.PathValue("id")); err != nil {
		registryError(w, err)
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) resizeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resizeRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var err error
	if req.Reset {
		err = h.registry.ResetSize(id)
	} else {
		err = h.registry.Resize(id, req.Cols, req.Rows)
	}
	if err != nil {
		registryError(w, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, nil)
}

func (h *handler) sendInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req inputRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if (req.Text == "") == (req.Key == "") {
		jsonError(w, http.StatusBadRequest, "exactly one of text and key is required")
		return
	}

	var err error
	if req.Key != "" {
		err = h.registry.SendKey(id, req.Key)
	} else {
		err = h.registry.SendInput(id, []byte(req.Text))
	}
	if err != nil {
		registryError(w, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, nil)
}

func (h *handler) killSession(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := pty.ParseSignal(req.Signal); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.registry.Kill(r.PathValue("id"), req.Signal); err != nil {
		registryError(w, err)
		return
	}
	jsonResponse(w, http.StatusAccepted, nil)
}

// replaySession streams the recording pruned to the last full-screen clear,
// or the whole recording with ?full=1.
func (h *handler) replaySession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path, err := h.registry.RecordingPath(r.Context(), id)
	if err != nil {
		registryError(w, err)
		return
	}

	header, events, err := recording.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			jsonError(w, http.StatusNotFound, "recording not found")
			return
		}
		h.logger.Warn("read recording failed", "session_id", id, "error", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	replay := recording.Replay{Dimensions: header.Dimensions(), Events: events}
	if r.URL.Query().Get("full") == "" {
		replay = recording.Prune(events, header.Dimensions())
	}

	w.Header().Set("Content-Type", "application/x-asciicast")
	w.Header().Set("Content-Disposition", `inline; filename="`+id+`.cast"`)
	w.WriteHeader(http.StatusOK)
	if err := replay.Encode(w, header); err != nil {
		h.logger.Debug("replay stream interrupted", "session_id", id, "error", err)
	}
}
