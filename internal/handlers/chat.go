package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/langdb/aigateway/internal/gateway"
	"github.com/langdb/aigateway/internal/schema"
)

// ChatCompletions serves POST /v1/chat/completions, streaming SSE when
// the request asks for it.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var request schema.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.sendBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if request.Model == "" {
		h.sendBadRequest(w, "model is required")
		return
	}
	if len(request.Messages) == 0 {
		h.sendBadRequest(w, "messages must not be empty")
		return
	}

	if request.Stream {
		h.streamChatCompletion(w, r, &request)
		return
	}

	response, resolution, err := h.router.ChatCompletion(r.Context(), &request)
	setResolutionHeaders(w, resolution)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.writeJSON(w, response)
}

func (h *Handler) streamChatCompletion(w http.ResponseWriter, r *http.Request, request *schema.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("Streaming unsupported by response writer",
			zap.String("writer_type", fmt.Sprintf("%T", w)))
		h.sendError(w, errors.New("streaming not supported"))
		return
	}

	events, resolution, err := h.router.ChatCompletionStream(r.Context(), request)
	setResolutionHeaders(w, resolution)
	if err != nil {
		// The stream never opened, so a plain status still works.
		h.sendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		if event.Err != nil {
			h.writeStreamError(w, event.Err)
			flusher.Flush()
			break
		}

		data, err := json.Marshal(event.Chunk)
		if err != nil {
			h.logger.Error("Failed to marshal streaming chunk", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			h.logger.Debug("Client disconnected during streaming",
				zap.String("model", request.Model))
			return
		}
		flusher.Flush()
	}

	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeStreamError emits a terminal SSE error frame. Headers are long
// gone by the time a mid-stream failure shows up, so the status rides
// inside the payload.
func (h *Handler) writeStreamError(w http.ResponseWriter, err error) {
	var guardErr *gateway.GuardError
	if errors.As(err, &guardErr) {
		payload, _ := json.Marshal(map[string]interface{}{
			"error": guardFailureBody{
				Message: guardErr.Message,
				GuardID: guardErr.GuardID,
				Details: guardErr.Details,
			},
			"status": gateway.StatusGuardFailed,
		})
		_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
		return
	}

	payload, _ := json.Marshal(schema.ErrorResponse{Error: schema.APIError{
		Message: err.Error(),
		Type:    errorType(gateway.HTTPStatus(err)),
	}})
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
}
