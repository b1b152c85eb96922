package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ms-reservations/internal/clock"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"
	"ms-reservations/internal/scheduler"

	"github.com/google/uuid"
)

type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetByUUID(ctx context.Context, uuid string) (*models.Order, error)
	Transition(ctx context.Context, t models.Transition) (bool, error)
	AttachVoucher(ctx context.Context, uuid string, voucherID int64) error
	SetPaymentMethod(ctx context.Context, uuid, method string) error
	SetETicketRef(ctx context.Context, uuid, ref string) error
}

type Inventory interface {
	GetTickets(ctx context.Context, ids []int64) ([]models.Ticket, error)
	ReserveLines(ctx context.Context, lines []models.LineRequest) error
	ReleaseLines(ctx context.Context, lines []models.OrderLine) error
}

type VoucherStore interface {
	GetByCode(ctx context.Context, eventID int64, code string) (*models.Voucher, error)
	GetByID(ctx context.Context, id int64) (*models.Voucher, error)
	Decrement(ctx context.Context, id int64) (bool, error)
}

type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Scheduler interface {
	Schedule(ctx context.Context, t scheduler.Task) error
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

type MediaStore interface {
	Upload(ctx context.Context, up models.Upload) (string, error)
	Remove(ctx context.Context, ref string) error
}

type TicketIssuer interface {
	Issue(ctx context.Context, order *models.Order) (string, error)
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, ev models.StatusEvent) error
}

// Deps are the collaborators of OrderService. Issuer and Status may be nil.
type Deps struct {
	Orders    OrderStore
	Inventory Inventory
	Vouchers  VoucherStore
	UoW       UnitOfWork
	Scheduler Scheduler
	Notifier  Notifier
	Media     MediaStore
	Issuer    TicketIssuer
	Status    StatusPublisher
	Logger    *logger.Logger
}

type OrderService struct {
	Deps

	clock       clock.Clock
	window      time.Duration
	opTimeout   time.Duration
	maxAttempts int
	backoff     time.Duration
}

type Option func(*OrderService)

// WithWindow sets how long a PENDING order holds its stock.
func WithWindow(d time.Duration) Option {
	return func(s *OrderService) { s.window = d }
}

func WithOperationTimeout(d time.Duration) Option {
	return func(s *OrderService) { s.opTimeout = d }
}

// WithRetryPolicy configures the expiry task: attempts before it is
// dead-lettered and the base of its exponential backoff.
func WithRetryPolicy(maxAttempts int, backoff time.Duration) Option {
	return func(s *OrderService) {
		s.maxAttempts = maxAttempts
		s.backoff = backoff
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *OrderService) { s.clock = c }
}

func NewOrderService(deps Deps, opts ...Option) *OrderService {
	s := &OrderService{
		Deps:        deps,
		clock:       clock.NewSystem(),
		window:      5 * time.Minute,
		opTimeout:   10 * time.Second,
		maxAttempts: 5,
		backoff:     time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OrderService) Window() time.Duration { return s.window }

// ---------------- CREATE ----------------

// Create reserves stock for every line and records a PENDING order in one
// transaction. Expiry is scheduled only after the commit.
func (s *OrderService) Create(ctx context.Context, in models.CreateOrderInput) (*models.OrderView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := validateLines(in); err != nil {
		return nil, err
	}

	ids := make([]int64, len(in.Lines))
	for i, l := range in.Lines {
		ids[i] = l.TicketID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	now := s.clock.Now()
	order := &models.Order{
		UUID:      uuid.New().String(),
		UserID:    in.BuyerID,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.UoW.RunInTx(ctx, func(ctx context.Context) error {
		tickets, err := s.Inventory.GetTickets(ctx, ids)
		if err != nil {
			return err
		}
		byID := make(map[int64]models.Ticket, len(tickets))
		for _, t := range tickets {
			byID[t.ID] = t
		}
		for _, id := range ids {
			if _, ok := byID[id]; !ok {
				return fmt.Errorf("ticket %d: %w", id, models.ErrNotFound)
			}
		}

		order.EventID = byID[ids[0]].EventID
		for _, t := range tickets {
			if t.EventID != order.EventID {
				return fmt.Errorf("tickets belong to more than one event: %w", models.ErrInvalidRequest)
			}
		}

		if err := s.Inventory.ReserveLines(ctx, in.Lines); err != nil {
			return err
		}

		order.Lines = make([]models.OrderLine, 0, len(in.Lines))
		for _, l := range in.Lines {
			order.Lines = append(order.Lines, models.OrderLine{
				TicketID:  l.TicketID,
				Qty:       l.Qty,
				UnitPrice: byID[l.TicketID].Price,
			})
		}
		return s.Orders.CreateOrder(ctx, order)
	})
	if err != nil {
		s.Logger.Warn("ORDER", fmt.Sprintf("Create for buyer %s failed: %v", in.BuyerID, err))
		return nil, err
	}

	s.Logger.LogOrder("CREATE", order.UUID, fmt.Sprintf("reserved %d lines for buyer %s", len(order.Lines), in.BuyerID))

	expiresAt := order.CreatedAt.Add(s.window)
	s.scheduleExpiry(ctx, order.UUID)
	s.notify(ctx, order, models.EventAwaitingProof, &expiresAt, "")
	s.publishStatus(ctx, order.UUID, order.Status)

	return s.view(ctx, order)
}

func validateLines(in models.CreateOrderInput) error {
	if len(in.Lines) == 0 {
		return fmt.Errorf("order has no lines: %w", models.ErrInvalidRequest)
	}
	seen := make(map[int64]bool, len(in.Lines))
	for _, l := range in.Lines {
		if l.Qty <= 0 {
			return fmt.Errorf("ticket %d quantity %d: %w", l.TicketID, l.Qty, models.ErrInvalidRequest)
		}
		if seen[l.TicketID] {
			return fmt.Errorf("ticket %d listed twice: %w", l.TicketID, models.ErrInvalidRequest)
		}
		seen[l.TicketID] = true
	}
	return nil
}

func (s *OrderService) scheduleExpiry(ctx context.Context, orderUUID string) {
	payload, _ := json.Marshal(models.ExpiryPayload{UUID: orderUUID})
	err := s.Scheduler.Schedule(ctx, scheduler.Task{
		Key:         orderUUID,
		Payload:     payload,
		Delay:       s.window,
		MaxAttempts: s.maxAttempts,
		Backoff:     s.backoff,
	})
	if err != nil {
		// The sweeper picks the order up once the window has passed.
		s.Logger.Error("ORDER", fmt.Sprintf("Order %s: scheduling expiry failed, no automatic expiry: %v", orderUUID, err))
	}
}

// ---------------- QUERIES ----------------

// GetOrder returns NotFound for orders the requester does not own.
func (s *OrderService) GetOrder(ctx context.Context, orderUUID, requesterID string) (*models.OrderView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	order, err := s.ownedOrder(ctx, orderUUID, requesterID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, order)
}

func (s *OrderService) AdminGetOrder(ctx context.Context, orderUUID string) (*models.OrderView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	order, err := s.Orders.GetByUUID(ctx, orderUUID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, order)
}

func (s *OrderService) ownedOrder(ctx context.Context, orderUUID, requesterID string) (*models.Order, error) {
	order, err := s.Orders.GetByUUID(ctx, orderUUID)
	if err != nil {
		return nil, err
	}
	if order.UserID != requesterID {
		return nil, fmt.Errorf("order %s: %w", orderUUID, models.ErrNotFound)
	}
	return order, nil
}

func (s *OrderService) view(ctx context.Context, order *models.Order) (*models.OrderView, error) {
	var discount int64
	if order.VoucherID != 0 {
		voucher, err := s.Vouchers.GetByID(ctx, order.VoucherID)
		if err != nil {
			return nil, err
		}
		discount = voucher.DiscountValue
	}
	return &models.OrderView{
		Order:     order,
		Pricing:   models.Price(order.Lines, discount),
		ExpiresAt: order.CreatedAt.Add(s.window),
	}, nil
}

// ---------------- PAYMENT PROOF ----------------

// UploadProof stores the buyer's proof of payment and moves the order to
// AWAITING_REVIEW. If expiry wins the race the upload is removed again.
func (s *OrderService) UploadProof(ctx context.Context, orderUUID string, up models.Upload, requesterID string) (*models.OrderView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	order, err := s.Orders.GetByUUID(ctx, orderUUID)
	if err != nil {
		return nil, err
	}
	if order.UserID != requesterID {
		s.Logger.LogSecurity("PROOF_FORBIDDEN", fmt.Sprintf("user %s tried to upload proof for order %s", requesterID, orderUUID))
		return nil, fmt.Errorf("order %s: %w", orderUUID, models.ErrForbidden)
	}
	if order.Status != models.StatusPending {
		return nil, &models.InvalidStateError{UUID: orderUUID, Current: order.Status}
	}

	ref, err := s.Media.Upload(ctx, up)
	if err != nil {
		return nil, err
	}

	won, err := s.Orders.Transition(ctx, models.Transition{
		UUID:         orderUUID,
		From:         models.StatusPending,
		To:           models.StatusAwaitingReview,
		PaymentProof: ref,
	})
	if err != nil || !won {
		s.removeUpload(ctx, orderUUID, ref)
		if err != nil {
			return nil, err
		}
		return nil, s.lostRace(ctx, orderUUID)
	}

	order.Status = models.StatusAwaitingReview
	order.PaymentProof = ref
	order.UpdatedAt = s.clock.Now()
	s.Logger.LogOrder("PROOF", orderUUID, "payment proof uploaded, awaiting review")
	s.publishStatus(ctx, orderUUID, order.Status)

	return s.view(ctx, order)
}

func (s *OrderService) removeUpload(ctx context.Context, orderUUID, ref string) {
	if err := s.Media.Remove(ctx, ref); err != nil {
		s.Logger.Error("ORDER", fmt.Sprintf("Order %s: removing orphaned proof %s failed: %v", orderUUID, ref, err))
	}
}

// lostRace reports the status that beat a failed compare-and-swap.
func (s *OrderService) lostRace(ctx context.Context, orderUUID string) error {
	current, err := s.Orders.GetByUUID(ctx, orderUUID)
	if err != nil {
		return err
	}
	return &models.InvalidStateError{UUID: orderUUID, Current: current.Status}
}

// ---------------- ADMIN REVIEW ----------------

// AdminDecide accepts or rejects an order awaiting review. A rejection
// returns the reserved stock in the same transaction as the status change.
func (s *OrderService) AdminDecide(ctx context.Context, orderUUID string, decision models.Decision) (*models.OrderView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var target models.OrderStatus
	switch decision {
	case models.DecisionAccept:
		target = models.StatusPaid
	case models.DecisionReject:
		target = models.StatusRejected
	default:
		return nil, fmt.Errorf("unknown decision %q: %w", decision, models.ErrInvalidRequest)
	}

	order, err := s.Orders.GetByUUID(ctx, orderUUID)
	if err != nil {
		return nil, err
	}

	err = s.UoW.RunInTx(ctx, func(ctx context.Context) error {
		won, err := s.Orders.Transition(ctx, models.Transition{
			UUID: orderUUID,
			From: models.StatusAwaitingReview,
			To:   target,
		})
		if err != nil {
			return err
		}
		if !won {
			return s.lostRace(ctx, orderUUID)
		}
		if target == models.StatusRejected {
			return s.Inventory.ReleaseLines(ctx, order.Lines)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	order.Status = target
	order.UpdatedAt = s.clock.Now()
	s.Logger.LogOrder(string(decision), orderUUID, fmt.Sprintf("order is now %s", target))

	event := models.EventRejected
	if target == models.StatusPaid {
		event = models.EventPaid
		order.ETicketRef = s.issueTicket(ctx, order)
	}
	s.notify(ctx, order, event, nil, order.ETicketRef)
	s.publishStatus(ctx, orderUUID, target)

	return s.view(ctx, order)
}

// issueTicket returns "" when no e-ticket could be produced. The order
// stays PAID either way.
func (s *OrderService) issueTicket(ctx context.Context, order *models.Order) string {
	if s.Issuer == nil {
		return ""
	}
	ref, err := s.Issuer.Issue(ctx, order)
	if err != nil {
		s.Logger.Error("ORDER", fmt.Sprintf("Order %s: e-ticket issuance failed: %v", order.UUID, err))
		return ""
	}
	if err := s.Orders.SetETicketRef(ctx, order.UUID, ref); err != nil {
		s.Logger.Error("ORDER", fmt.Sprintf("Order %s: saving e-ticket ref failed: %v", order.UUID, err))
	}
	return ref
}

// ---------------- VOUCHERS ----------------

// ApplyVoucher attaches a voucher to the order and consumes one use of it.
// It is not gated on the order status and every call consumes a use.
func (s *OrderService) ApplyVoucher(ctx context.Context, orderUUID, code, requesterID string) (models.Pricing, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	order, err := s.ownedOrder(ctx, orderUUID, requesterID)
	if err != nil {
		return models.Pricing{}, err
	}

	voucher, err := s.Vouchers.GetByCode(ctx, order.EventID, code)
	if errors.Is(err, models.ErrNotFound) {
		return models.Pricing{}, fmt.Errorf("voucher %q: %w", code, models.ErrInvalidVoucher)
	}
	if err != nil {
		return models.Pricing{}, err
	}
	if voucher.RemainingStock <= 0 {
		return models.Pricing{}, fmt.Errorf("voucher %q: %w", code, models.ErrVoucherExhausted)
	}

	pricing := models.Price(order.Lines, voucher.DiscountValue)

	err = s.UoW.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.Orders.AttachVoucher(ctx, orderUUID, voucher.ID); err != nil {
			return err
		}
		ok, err := s.Vouchers.Decrement(ctx, voucher.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("voucher %q: %w", code, models.ErrVoucherExhausted)
		}
		return nil
	})
	if err != nil {
		return models.Pricing{}, err
	}

	s.Logger.LogOrder("VOUCHER", orderUUID, fmt.Sprintf("applied %s, total %d", code, pricing.Total))
	return pricing, nil
}

// ---------------- PAYMENT METHOD ----------------

func (s *OrderService) SetPaymentMethod(ctx context.Context, orderUUID, method, requesterID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	method = strings.TrimSpace(method)
	if method == "" {
		return fmt.Errorf("payment method is required: %w", models.ErrInvalidRequest)
	}
	if _, err := s.ownedOrder(ctx, orderUUID, requesterID); err != nil {
		return err
	}
	if err := s.Orders.SetPaymentMethod(ctx, orderUUID, method); err != nil {
		return err
	}
	s.Logger.LogOrder("PAYMENT_METHOD", orderUUID, method)
	return nil
}

// ---------------- SIDE EFFECTS ----------------

func (s *OrderService) notify(ctx context.Context, order *models.Order, event string, expiresAt *time.Time, ticketRef string) {
	var discount int64
	if order.VoucherID != 0 {
		if v, err := s.Vouchers.GetByID(ctx, order.VoucherID); err == nil {
			discount = v.DiscountValue
		}
	}
	err := s.Notifier.Notify(ctx, models.Notification{
		Event:      event,
		OrderUUID:  order.UUID,
		UserID:     order.UserID,
		Status:     order.Status,
		ExpiresAt:  expiresAt,
		ETicketRef: ticketRef,
		Total:      models.Price(order.Lines, discount).Total,
	})
	if err != nil {
		s.Logger.Error("ORDER", fmt.Sprintf("Order %s: %s notification failed: %v", order.UUID, event, err))
	}
}

func (s *OrderService) publishStatus(ctx context.Context, orderUUID string, status models.OrderStatus) {
	if s.Status == nil {
		return
	}
	ev := models.StatusEvent{UUID: orderUUID, Status: status, At: s.clock.Now()}
	if err := s.Status.PublishStatus(ctx, ev); err != nil {
		s.Logger.Warn("ORDER", fmt.Sprintf("Order %s: status event not published: %v", orderUUID, err))
	}
}
