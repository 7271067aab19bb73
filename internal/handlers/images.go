package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/langdb/aigateway/internal/schema"
)

// GenerateImage serves POST /v1/images/generations.
func (h *Handler) GenerateImage(w http.ResponseWriter, r *http.Request) {
	var request schema.ImageRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.sendBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if request.Prompt == "" {
		h.sendBadRequest(w, "prompt is required")
		return
	}
	if request.Model == "" {
		h.sendBadRequest(w, "model is required")
		return
	}

	response, resolution, err := h.router.ImageGeneration(r.Context(), &request)
	setResolutionHeaders(w, resolution)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.writeJSON(w, response)
}
