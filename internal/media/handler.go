package media

import (
	"errors"
	"net/http"
	"strconv"

	"ms-reservations/internal/models"

	"github.com/go-chi/chi/v5"
)

// Handler serves stored objects on GET /media/{id}.
type Handler struct {
	Store *Store
}

func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	obj, err := h.Store.Get(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.Store.Logger.Error("MEDIA", "Failed to load "+id+": "+err.Error())
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(obj.Data)
}
