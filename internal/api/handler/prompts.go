package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/promptq/promptq/internal/api/response"
	"github.com/promptq/promptq/internal/llm"
	"github.com/promptq/promptq/internal/store"
	"github.com/promptq/promptq/pkg/models"
)

const maxWaitTimeout = 120 * time.Second

// DispatchRequest is the body of POST /api/v1/prompts.
type DispatchRequest struct {
	ModelName string         `json:"model_name"`
	Prompt    string         `json:"prompt"`
	Params    *models.Params `json:"params,omitempty"`
}

// NewDispatchHandler returns the handler for POST /api/v1/prompts.
func NewDispatchHandler(svc *llm.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", nil)
			return
		}
		if req.ModelName == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "model_name is required", nil)
			return
		}
		if req.Prompt == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "prompt is required", nil)
			return
		}

		handle, err := svc.Dispatch(r.Context(), req.ModelName, req.Prompt, req.Params)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to dispatch prompt", nil)
			return
		}

		response.Accepted(w, handle)
	}
}

// NewGetPromptHandler returns the handler for GET /api/v1/prompts/{handleID}.
func NewGetPromptHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "handleID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "handleID must be a UUID", nil)
			return
		}

		handle, err := st.GetPromptHandle(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Prompt handle not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load prompt handle", nil)
			return
		}

		response.JSON(w, handle)
	}
}

// NewWaitPromptHandler returns the handler for GET /api/v1/prompts/{handleID}/wait.
// It blocks until the handle finishes or the timeout (query param "timeout",
// e.g. "5s", capped at 120s) elapses.
func NewWaitPromptHandler(svc *llm.Service, st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "handleID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "handleID must be a UUID", nil)
			return
		}

		timeout := llm.DefaultWaitTimeout
		if raw := r.URL.Query().Get("timeout"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil || parsed <= 0 {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "timeout must be a positive duration", nil)
				return
			}
			timeout = parsed
		}
		if timeout > maxWaitTimeout {
			timeout = maxWaitTimeout
		}

		handle, err := st.GetPromptHandle(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Prompt handle not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load prompt handle", nil)
			return
		}

		finished, err := svc.AwaitCompletion(r.Context(), handle, timeout)
		if errors.Is(err, llm.ErrWaitTimeout) {
			response.Error(w, http.StatusGatewayTimeout, "WAIT_TIMEOUT",
				"Prompt handle did not finish in time", map[string]string{"state": handle.State})
			return
		}
		if errors.Is(err, llm.ErrHandleFailed) {
			response.Error(w, http.StatusBadGateway, "HANDLE_FAILED", err.Error(), nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed while waiting for prompt handle", nil)
			return
		}

		response.JSON(w, finished)
	}
}
