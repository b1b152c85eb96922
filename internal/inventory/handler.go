package inventory

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"

	"github.com/go-chi/chi/v5"
)

// Handler exposes read-only stock availability. It needs no auth.
type Handler struct {
	Store  *Store
	Logger *logger.Logger
}

type AvailabilityResponse struct {
	EventID int64           `json:"eventId"`
	Tickets []models.Ticket `json:"tickets"`
	Total   int             `json:"totalAvailable"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events/{eventId}/tickets", h.ListEventTickets)
	r.Get("/tickets/{ticketId}", h.GetTicket)
}

func (h *Handler) ListEventTickets(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.ParseInt(chi.URLParam(r, "eventId"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid event id", http.StatusBadRequest)
		return
	}

	tickets, err := h.Store.ListByEvent(r.Context(), eventID)
	if err != nil {
		h.Logger.Error("INVENTORY", err.Error())
		http.Error(w, "Error retrieving tickets", http.StatusInternalServerError)
		return
	}

	resp := AvailabilityResponse{EventID: eventID, Tickets: tickets}
	if resp.Tickets == nil {
		resp.Tickets = []models.Ticket{}
	}
	for _, t := range tickets {
		resp.Total += t.Stock
	}
	writeJSON(w, resp)
}

func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, err := strconv.ParseInt(chi.URLParam(r, "ticketId"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid ticket id", http.StatusBadRequest)
		return
	}

	ticket, err := h.Store.GetTicket(r.Context(), ticketID)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "Ticket not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.Logger.Error("INVENTORY", err.Error())
		http.Error(w, "Error retrieving ticket", http.StatusInternalServerError)
		return
	}
	writeJSON(w, ticket)
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}
