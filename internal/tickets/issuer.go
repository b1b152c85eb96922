package tickets

import (
	"context"
	"fmt"

	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"
	"ms-reservations/internal/tickets/qr"
)

type MediaStore interface {
	Upload(ctx context.Context, up models.Upload) (string, error)
}

// Issuer produces the e-ticket for a paid order: a QR code over the
// encrypted order summary, stored through the media store.
type Issuer struct {
	Generator *qr.QRGenerator
	Media     MediaStore
	Logger    *logger.Logger
}

func NewIssuer(secret string, media MediaStore, log *logger.Logger) *Issuer {
	return &Issuer{
		Generator: qr.NewQRGenerator(secret),
		Media:     media,
		Logger:    log,
	}
}

// Issue returns the URL of the uploaded QR image.
func (i *Issuer) Issue(ctx context.Context, order *models.Order) (string, error) {
	if order.Status != models.StatusPaid {
		return "", fmt.Errorf("issue e-ticket for order %s in %s: %w", order.UUID, order.Status, models.ErrInvalidState)
	}

	payload := qr.Payload{OrderUUID: order.UUID, EventID: order.EventID}
	for _, l := range order.Lines {
		payload.Lines = append(payload.Lines, qr.PayloadLine{TicketID: l.TicketID, Qty: l.Qty})
	}

	img, err := i.Generator.GenerateEncryptedQR(payload)
	if err != nil {
		return "", fmt.Errorf("generate QR for order %s: %w", order.UUID, err)
	}

	ref, err := i.Media.Upload(ctx, models.Upload{
		Name:        fmt.Sprintf("eticket-%s.png", order.UUID),
		ContentType: "image/png",
		Data:        img,
	})
	if err != nil {
		return "", fmt.Errorf("store e-ticket for order %s: %w", order.UUID, err)
	}

	i.Logger.LogOrder("ETICKET", order.UUID, "issued "+ref)
	return ref, nil
}
