package order_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ms-reservations/internal/auth"
	"ms-reservations/internal/models"

	"github.com/go-chi/chi/v5"
)

// StreamStatus streams status changes of one order to its buyer as
// Server-Sent Events. The stream ends once the order reaches a terminal
// status or the client disconnects.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	orderUUID := chi.URLParam(r, "uuid")
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// The server WriteTimeout is sized for plain requests; a stream stays
	// open for the whole reservation window.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.Logger.Warn("SSE", fmt.Sprintf("Clearing write deadline for order %s failed: %v", orderUUID, err))
	}

	// Subscribe before reading the order so no transition slips between.
	events := h.Events.Subscribe(ctx, orderUUID)

	view, err := h.OrderService.GetOrder(ctx, orderUUID, auth.UserID(ctx))
	if err != nil {
		h.writeError(w, "StreamStatus", err)
		return
	}

	setupSSEHeaders(w)
	current := models.StatusEvent{UUID: orderUUID, Status: view.Status, At: view.UpdatedAt}
	writeEvent(w, "connected", current)
	flusher.Flush()
	h.Logger.Info("SSE", fmt.Sprintf("Client connected to status events for order %s", orderUUID))

	if view.Status.Terminal() {
		return
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, "status", ev)
			flusher.Flush()
			if ev.Status.Terminal() {
				h.Logger.Debug("SSE", fmt.Sprintf("Order %s reached %s, closing stream", orderUUID, ev.Status))
				return
			}
		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from status events for %s", orderUUID))
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, ev models.StatusEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
}
