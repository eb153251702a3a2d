package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zedaapi/gateway/internal/balancer"
	"github.com/zedaapi/gateway/internal/groups"
	"github.com/zedaapi/gateway/internal/webhooks"
)

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError encodes a JSON error body with the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]interface{}{
		"status":  status,
		"error":   http.StatusText(status),
		"message": msg,
	})
}

// WriteDomainError maps domain errors onto the HTTP status taxonomy:
// 404 missing, 400 validation and conflicts, 500 everything else.
func WriteDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, groups.ErrNotFound),
		errors.Is(err, webhooks.ErrNotFound),
		errors.Is(err, balancer.ErrGroupNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, groups.ErrDuplicateName),
		errors.Is(err, groups.ErrDuplicateAlias),
		errors.Is(err, webhooks.ErrDuplicateName),
		errors.Is(err, balancer.ErrGroupDisabled),
		errors.Is(err, balancer.ErrNoActiveInstance):
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
