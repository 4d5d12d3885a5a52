package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/user/ptymux/internal/pty"
	"github.com/user/ptymux/internal/session"
)

type errorBody struct {
	Error string `json:"error"`
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, errorBody{Error: message})
}

// registryError maps registry failures onto HTTP statuses.
func registryError(w http.ResponseWriter, err error) {
	var spawnErr *pty.SpawnError
	switch {
	case errors.As(err, &spawnErr):
		jsonError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, session.ErrNotFound):
		jsonError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrExited):
		jsonError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrInvalidSize):
		jsonError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrClosed):
		jsonError(w, http.StatusServiceUnavailable, err.Error())
	default:
		jsonError(w, http.StatusInternalServerError, err.Error())
	}
}
