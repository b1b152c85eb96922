package order_api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"ms-reservations/internal/auth"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"
	"ms-reservations/internal/utils"

	"github.com/go-chi/chi/v5"
)

type OrderService interface {
	Create(ctx context.Context, in models.CreateOrderInput) (*models.OrderView, error)
	GetOrder(ctx context.Context, orderUUID, requesterID string) (*models.OrderView, error)
	AdminGetOrder(ctx context.Context, orderUUID string) (*models.OrderView, error)
	UploadProof(ctx context.Context, orderUUID string, up models.Upload, requesterID string) (*models.OrderView, error)
	AdminDecide(ctx context.Context, orderUUID string, decision models.Decision) (*models.OrderView, error)
	ApplyVoucher(ctx context.Context, orderUUID, code, requesterID string) (models.Pricing, error)
	SetPaymentMethod(ctx context.Context, orderUUID, method, requesterID string) error
}

// StatusSubscriber is satisfied by sse.StatusEmitter.
type StatusSubscriber interface {
	Subscribe(ctx context.Context, orderUUID string) <-chan models.StatusEvent
}

type Handler struct {
	OrderService   OrderService
	Events         StatusSubscriber
	Logger         *logger.Logger
	MaxUploadBytes int64
}

func NewHandler(svc OrderService, events StatusSubscriber, log *logger.Logger, maxUploadBytes int64) *Handler {
	return &Handler{
		OrderService:   svc,
		Events:         events,
		Logger:         log,
		MaxUploadBytes: maxUploadBytes,
	}
}

// RegisterRoutes mounts the buyer routes. They expect auth.Middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/{uuid}", h.GetOrder)
		r.Patch("/{uuid}/proof", h.UploadProof)
		r.Post("/{uuid}/voucher", h.ApplyVoucher)
		r.Patch("/{uuid}/payment-method", h.SetPaymentMethod)
		r.Get("/{uuid}/events", h.StreamStatus)
	})
}

// RegisterAdminRoutes mounts the review routes. They expect auth.RequireRole.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/admin/orders", func(r chi.Router) {
		r.Get("/{uuid}", h.AdminGetOrder)
		r.Patch("/{uuid}", h.AdminDecide)
	})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var in models.CreateOrderInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	in.BuyerID = auth.UserID(r.Context())
	h.Logger.Debug("API", fmt.Sprintf("CreateOrder: buyer=%s lines=%d", in.BuyerID, len(in.Lines)))

	view, err := h.OrderService.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, "CreateOrder", err)
		return
	}
	writeJSON(w, http.StatusCreated, utils.SuccessResponse("Order created", view))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderUUID := chi.URLParam(r, "uuid")

	view, err := h.OrderService.GetOrder(r.Context(), orderUUID, auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, "GetOrder", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Order retrieved", view))
}

func (h *Handler) UploadProof(w http.ResponseWriter, r *http.Request) {
	orderUUID := chi.URLParam(r, "uuid")

	if h.MaxUploadBytes > 0 {
		// multipart overhead on top of the file itself
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes+1<<20)
	}
	file, header, err := r.FormFile("paymentProof")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid upload", "multipart field paymentProof is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid upload", err.Error()))
		return
	}

	up := models.Upload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	view, err := h.OrderService.UploadProof(r.Context(), orderUUID, up, auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, "UploadProof", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Payment proof uploaded", view))
}

func (h *Handler) ApplyVoucher(w http.ResponseWriter, r *http.Request) {
	orderUUID := chi.URLParam(r, "uuid")

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	pricing, err := h.OrderService.ApplyVoucher(r.Context(), orderUUID, body.Code, auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, "ApplyVoucher", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Voucher applied", pricing))
}

func (h *Handler) SetPaymentMethod(w http.ResponseWriter, r *http.Request) {
	orderUUID := chi.URLParam(r, "uuid")

	var body struct {
		Method string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	if err := h.OrderService.SetPaymentMethod(r.Context(), orderUUID, body.Method, auth.UserID(r.Context())); err != nil {
		h.writeError(w, "SetPaymentMethod", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Payment method confirmed", nil))
}

func (h *Handler) AdminGetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.OrderService.AdminGetOrder(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		h.writeError(w, "AdminGetOrder", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Order retrieved", view))
}

func (h *Handler) AdminDecide(w http.ResponseWriter, r *http.Request) {
	orderUUID := chi.URLParam(r, "uuid")

	var body struct {
		Decision models.Decision `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("AdminDecide: %s by %s on %s", body.Decision, auth.UserID(r.Context()), orderUUID))

	view, err := h.OrderService.AdminDecide(r.Context(), orderUUID, body.Decision)
	if err != nil {
		h.writeError(w, "AdminDecide", err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("Order "+string(view.Status), view))
}
