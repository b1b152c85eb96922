package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"ms-reservations/internal/clock"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"
	"ms-reservations/internal/scheduler"

	"github.com/google/uuid"
)

type OrderStore interface {
	GetByUUID(ctx context.Context, uuid string) (*models.Order, error)
	Transition(ctx context.Context, t models.Transition) (bool, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

type Inventory interface {
	ReleaseLines(ctx context.Context, lines []models.OrderLine) error
}

type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, ev models.StatusEvent) error
}

// Locker keeps concurrent sweepers in different processes from scanning
// the same orders at once.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

type Config struct {
	Window     time.Duration
	SweepGrace time.Duration
	SweepBatch int
	LockKey    string
}

// Worker expires PENDING orders whose window has passed and gives their
// stock back. Status (and Lock) may be nil.
type Worker struct {
	Orders    OrderStore
	Inventory Inventory
	UoW       UnitOfWork
	Notifier  Notifier
	Status    StatusPublisher
	Lock      Locker
	Logger    *logger.Logger
	Clock     clock.Clock
	Config    Config

	owner string
}

func NewWorker(w Worker) *Worker {
	if w.Clock == nil {
		w.Clock = clock.NewSystem()
	}
	if w.Config.SweepBatch <= 0 {
		w.Config.SweepBatch = 100
	}
	if w.Config.LockKey == "" {
		w.Config.LockKey = "expiry:sweep_lock"
	}
	host, _ := os.Hostname()
	w.owner = fmt.Sprintf("%s-%s", host, uuid.New().String())
	return &w
}

// Handle is the scheduler.Handler for expiry tasks.
func (w *Worker) Handle(ctx context.Context, task scheduler.Task) error {
	orderUUID := task.Key
	if len(task.Payload) > 0 {
		var p models.ExpiryPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return scheduler.Permanent(fmt.Errorf("decode expiry payload for %s: %w", task.Key, err))
		}
		if p.UUID != "" {
			orderUUID = p.UUID
		}
	}
	return w.OnTask(ctx, orderUUID)
}

// OnTask expires the order if it is still PENDING. Running it again, or
// after the buyer or an admin moved the order on, changes nothing.
func (w *Worker) OnTask(ctx context.Context, orderUUID string) error {
	order, err := w.Orders.GetByUUID(ctx, orderUUID)
	if errors.Is(err, models.ErrNotFound) {
		w.Logger.Warn("EXPIRY", fmt.Sprintf("Order %s no longer exists, dropping task", orderUUID))
		return scheduler.Permanent(err)
	}
	if err != nil {
		return err
	}
	if order.Status != models.StatusPending {
		w.Logger.LogExpiry("SKIP", orderUUID, fmt.Sprintf("already %s", order.Status))
		return nil
	}

	expired := false
	err = w.UoW.RunInTx(ctx, func(ctx context.Context) error {
		won, err := w.Orders.Transition(ctx, models.Transition{
			UUID: orderUUID,
			From: models.StatusPending,
			To:   models.StatusExpired,
		})
		if err != nil || !won {
			return err
		}
		expired = true
		return w.Inventory.ReleaseLines(ctx, order.Lines)
	})
	if err != nil {
		return fmt.Errorf("expire order %s: %w", orderUUID, err)
	}
	if !expired {
		w.Logger.LogExpiry("SKIP", orderUUID, "status changed concurrently")
		return nil
	}

	w.Logger.LogExpiry("EXPIRED", orderUUID, fmt.Sprintf("released %d lines", len(order.Lines)))

	order.Status = models.StatusExpired
	if err := w.Notifier.Notify(ctx, models.Notification{
		Event:     models.EventExpired,
		OrderUUID: orderUUID,
		UserID:    order.UserID,
		Status:    order.Status,
	}); err != nil {
		w.Logger.Error("EXPIRY", fmt.Sprintf("Order %s: expiry notification failed: %v", orderUUID, err))
	}
	if w.Status != nil {
		ev := models.StatusEvent{UUID: orderUUID, Status: order.Status, At: w.Clock.Now()}
		if err := w.Status.PublishStatus(ctx, ev); err != nil {
			w.Logger.Warn("EXPIRY", fmt.Sprintf("Order %s: status event not published: %v", orderUUID, err))
		}
	}
	return nil
}
