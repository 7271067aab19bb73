package handlers

import (
	"net/http"
)

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// ListModels serves GET /v1/models from the pricing catalog. Model ids
// are provider-qualified so clients can pin a provider.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	models := h.router.Models()

	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(models))}
	for _, model := range models {
		list.Data = append(list.Data, modelEntry{
			ID:      model.InferenceProvider.Provider + "/" + model.Model,
			Object:  "model",
			OwnedBy: model.InferenceProvider.Provider,
		})
	}

	h.writeJSON(w, list)
}
