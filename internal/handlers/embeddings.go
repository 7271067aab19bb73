package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/langdb/aigateway/internal/schema"
)

// Embeddings serves POST /v1/embeddings.
func (h *Handler) Embeddings(w http.ResponseWriter, r *http.Request) {
	var request schema.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.sendBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if request.Model == "" {
		h.sendBadRequest(w, "model is required")
		return
	}
	if request.Input == nil {
		h.sendBadRequest(w, "input is required")
		return
	}

	response, resolution, err := h.router.Embeddings(r.Context(), &request)
	setResolutionHeaders(w, resolution)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.writeJSON(w, response)
}
