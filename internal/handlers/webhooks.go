package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zedaapi/gateway/internal/circuitbreaker"
	"github.com/zedaapi/gateway/internal/events"
	"github.com/zedaapi/gateway/internal/webhooks"
)

type webhookPayload struct {
	Name           string                    `json:"name" validate:"required,min=1,max=100"`
	URL            string                    `json:"url" validate:"required"`
	Description    string                    `json:"description" validate:"max=500"`
	Enabled        *bool                     `json:"enabled"`
	Events         []events.Kind             `json:"events"`
	Headers        map[string]string         `json:"headers"`
	Authentication *webhooks.AuthConfig      `json:"authentication"`
	RetryConfig    *webhooks.RetryConfig     `json:"retryConfig"`
	SecurityConfig *webhooks.SecurityConfig  `json:"securityConfig"`
	FilterConfig   *webhooks.FilterConfig    `json:"filterConfig"`
	Timeout        *int                      `json:"timeout"`
}

// apply copies the payload onto a subscriber record, filling defaults for
// the sections the client omitted.
func (p *webhookPayload) apply(sub *webhooks.Subscriber) {
	sub.Name = p.Name
	sub.URL = p.URL
	sub.Description = p.Description
	sub.Enabled = p.Enabled == nil || *p.Enabled
	sub.Events = p.Events
	sub.Headers = p.Headers
	if p.Authentication != nil {
		sub.Authentication = *p.Authentication
	} else if sub.Authentication.Type == "" {
		sub.Authentication = webhooks.AuthConfig{Type: webhooks.AuthNone}
	}
	if p.RetryConfig != nil {
		sub.RetryConfig = *p.RetryConfig
	} else if sub.RetryConfig.MaxAttempts == 0 {
		sub.RetryConfig = webhooks.DefaultRetryConfig()
	}
	if p.SecurityConfig != nil {
		sub.SecurityConfig = *p.SecurityConfig
	}
	if p.FilterConfig != nil {
		sub.FilterConfig = *p.FilterConfig
	}
	if p.Timeout != nil {
		sub.TimeoutMs = *p.Timeout
	} else if sub.TimeoutMs == 0 {
		sub.TimeoutMs = 30000
	}
}

// HandleCreateWebhook registers a webhook subscriber.
func HandleCreateWebhook(repo webhooks.Repository, development bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload webhookPayload
		if err := decodeAndValidate(r, &payload); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		var sub webhooks.Subscriber
		payload.apply(&sub)
		if err := sub.Validate(development); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := repo.Create(r.Context(), &sub); err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, sub)
	}
}

// HandleListWebhooks lists every registered webhook.
func HandleListWebhooks(repo webhooks.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := repo.List(r.Context())
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, list)
	}
}

// HandleGetWebhook fetches one webhook by id.
func HandleGetWebhook(repo webhooks.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := repo.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sub)
	}
}

// HandleUpdateWebhook replaces the mutable fields of a webhook. Stats are
// preserved by the repository.
func HandleUpdateWebhook(repo webhooks.Repository, development bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := repo.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			WriteDomainError(w, err)
			return
		}

		var payload webhookPayload
		if err := decodeAndValidate(r, &payload); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		payload.apply(sub)
		if err := sub.Validate(development); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := repo.Update(r.Context(), sub); err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sub)
	}
}

// HandleDeleteWebhook deletes a webhook and drops its circuit breaker.
func HandleDeleteWebhook(repo webhooks.Repository, breakers *circuitbreaker.Set) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := repo.Delete(r.Context(), id); err != nil {
			WriteDomainError(w, err)
			return
		}
		breakers.Remove(id)
		WriteJSON(w, http.StatusOK, map[string]string{"deleted": id})
	}
}

// HandleToggleWebhook flips the enabled gate.
func HandleToggleWebhook(repo webhooks.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		sub, err := repo.GetByID(r.Context(), id)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		sub, err = repo.SetEnabled(r.Context(), id, !sub.Enabled)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sub)
	}
}

// HandleWebhookStats reports execution counters plus the live circuit
// breaker state.
func HandleWebhookStats(repo webhooks.Repository, breakers *circuitbreaker.Set) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := repo.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"id":           sub.ID,
			"name":         sub.Name,
			"stats":        sub.Stats,
			"circuitState": breakers.Get(sub.ID).State().String(),
		})
	}
}

// HandleTestWebhook performs one synchronous probe delivery against the
// subscriber's endpoint, bypassing retries and the circuit breaker.
func HandleTestWebhook(repo webhooks.Repository, dispatcher *webhooks.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := repo.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			WriteDomainError(w, err)
			return
		}

		status, elapsed, err := dispatcher.DeliverTest(r.Context(), sub, map[string]interface{}{
			"test":    true,
			"message": "test delivery from gateway",
		})
		result := map[string]interface{}{
			"success":    err == nil,
			"statusCode": status,
			"durationMs": elapsed.Milliseconds(),
			"testedAt":   time.Now().UTC().Format(time.RFC3339),
		}
		if err != nil {
			result["error"] = err.Error()
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
