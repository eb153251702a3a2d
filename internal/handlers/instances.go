package handlers

import (
	"context"
	"net/http"

	"github.com/zedaapi/gateway/internal/events"
	"github.com/zedaapi/gateway/internal/instances"
)

type instanceEventRequest struct {
	Event    events.Kind            `json:"event" validate:"required"`
	Instance string                 `json:"instance" validate:"required"`
	Data     map[string]interface{} `json:"data"`
}

// HandleInstanceEvent ingests a domain event reported by a session worker
// and publishes it on the bus.
func HandleInstanceEvent(bus events.Emitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req instanceEventRequest
		if err := decodeAndValidate(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !events.Valid(req.Event) {
			WriteError(w, http.StatusBadRequest, "unknown event kind "+string(req.Event))
			return
		}
		bus.Emit(req.Event, req.Instance, req.Data)
		WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

// TrackConnectionState is the bus handler keeping the instance registry in
// sync with worker lifecycle events.
func TrackConnectionState(registry *instances.Registry) events.Handler {
	return func(_ context.Context, kind events.Kind, instance string, data interface{}) {
		if instance == "" {
			return
		}
		switch kind {
		case events.InstanceCreate:
			registry.SetState(instance, "connecting")
		case events.InstanceDelete:
			registry.Remove(instance)
		case events.ConnectionUpdate:
			if m, ok := data.(map[string]interface{}); ok {
				if state, ok := m["state"].(string); ok {
					registry.SetState(instance, state)
				}
			}
		}
	}
}
