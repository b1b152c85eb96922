package order_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"ms-reservations/internal/clock"
	"ms-reservations/internal/database"
	"ms-reservations/internal/expiry"
	"ms-reservations/internal/inventory"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/media"
	"ms-reservations/internal/models"
	"ms-reservations/internal/order"
	order_db "ms-reservations/internal/order/db"
	"ms-reservations/internal/scheduler"
	"ms-reservations/internal/sse"
	"ms-reservations/internal/testutil"
	"ms-reservations/internal/tickets"
	voucher_db "ms-reservations/internal/voucher/db"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

var start = time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

const window = 5 * time.Minute

var proof = models.Upload{
	Name:        "transfer.png",
	ContentType: "image/png",
	Data:        []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"),
}

// recordingNotifier keeps every notification it is given.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) events(orderUUID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.sent {
		if n.OrderUUID == orderUUID {
			out = append(out, n.Event)
		}
	}
	return out
}

func (r *recordingNotifier) last() models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

type failingScheduler struct{}

func (failingScheduler) Schedule(ctx context.Context, t scheduler.Task) error {
	return errors.New("redis: connection refused")
}

type harness struct {
	db       *bun.DB
	orders   *order_db.DB
	svc      *order.OrderService
	worker   *expiry.Worker
	queue    *scheduler.Queue
	clk      *clock.Manual
	notifier *recordingNotifier
	emitter  *sse.StatusEmitter
	media    *media.Store
	logs     *bytes.Buffer
	eventID  int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, testutil.NewSQLiteDB(t))
}

// newHarnessOn wires the order service and the expiry worker over db with
// a miniredis backed queue.
func newHarnessOn(t *testing.T, db *bun.DB) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	clk := clock.NewManual(start)
	h := &harness{
		db:       db,
		orders:   &order_db.DB{Bun: db, Clock: clk},
		clk:      clk,
		notifier: &recordingNotifier{},
		emitter:  sse.NewStatusEmitter(),
		logs:     &bytes.Buffer{},
	}
	log := logger.NewWithWriter(h.logs)
	h.media = media.NewStore(db, "http://localhost:8084", 1<<20, log)
	h.media.Clock = clk
	h.queue = scheduler.New(client, "expiry", log, scheduler.WithClock(h.clk))

	inv := inventory.NewStore(db)
	uow := database.NewUnitOfWork(db)
	h.svc = order.NewOrderService(order.Deps{
		Orders:    h.orders,
		Inventory: inv,
		Vouchers:  &voucher_db.DB{Bun: db},
		UoW:       uow,
		Scheduler: h.queue,
		Notifier:  h.notifier,
		Media:     h.media,
		Issuer:    tickets.NewIssuer("qr-secret", h.media, log),
		Status:    h.emitter,
		Logger:    log,
	}, order.WithWindow(window), order.WithClock(h.clk), order.WithRetryPolicy(5, time.Second))

	h.worker = expiry.NewWorker(expiry.Worker{
		Orders:    h.orders,
		Inventory: inv,
		UoW:       uow,
		Notifier:  h.notifier,
		Status:    h.emitter,
		Logger:    log,
		Clock:     h.clk,
		Config:    expiry.Config{Window: window, SweepGrace: time.Minute, SweepBatch: 10},
	})

	h.eventID = testutil.InsertEvent(t, db, "Summer Festival")
	return h
}

func (h *harness) create(t *testing.T, buyer string, lines ...models.LineRequest) *models.OrderView {
	t.Helper()
	view, err := h.svc.Create(context.Background(), models.CreateOrderInput{BuyerID: buyer, Lines: lines})
	require.NoError(t, err)
	return view
}

func line(ticketID int64, qty int) models.LineRequest {
	return models.LineRequest{TicketID: ticketID, Qty: qty}
}

func mediaCount(t *testing.T, db *bun.DB) int {
	n, err := db.NewSelect().Model((*models.MediaObject)(nil)).Count(context.Background())
	require.NoError(t, err)
	return n
}

// ---------------- CREATE ----------------

func TestCreate_ReservesStockAndSchedulesExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 2500, 5)

	view := h.create(t, "buyer-1", line(ticketID, 2))

	assert.Equal(t, models.StatusPending, view.Status)
	assert.Equal(t, h.eventID, view.EventID)
	assert.Equal(t, "buyer-1", view.UserID)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, int64(2500), view.Lines[0].UnitPrice)
	assert.Equal(t, models.Pricing{Subtotal: 5000, Total: 5000}, view.Pricing)
	assert.Equal(t, start.Add(window), view.ExpiresAt)
	assert.Equal(t, 3, testutil.TicketStock(t, h.db, ticketID))

	fireAt, ok, err := h.queue.FireAt(ctx, view.UUID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, start.Add(window), fireAt)

	assert.Equal(t, []string{models.EventAwaitingProof}, h.notifier.events(view.UUID))
	require.NotNil(t, h.notifier.last().ExpiresAt)
	assert.Equal(t, start.Add(window), *h.notifier.last().ExpiresAt)
}

func TestCreate_SnapshotsPriceAtCreation(t *testing.T) {
	h := newHarness(t)
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 1000, 5)
	view := h.create(t, "buyer-1", line(ticketID, 1))

	_, err := h.db.NewUpdate().Table("tickets").Set("price = ?", 9999).Where("id = ?", ticketID).Exec(context.Background())
	require.NoError(t, err)

	got, err := h.svc.GetOrder(context.Background(), view.UUID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Lines[0].UnitPrice)
	assert.Equal(t, int64(1000), got.Pricing.Total)
}

func TestCreate_ConcurrentBuyersNeverOversell(t *testing.T) {
	h := newHarness(t)
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 1)

	const buyers = 8
	var wg sync.WaitGroup
	errs := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Create(context.Background(), models.CreateOrderInput{
				BuyerID: "buyer",
				Lines:   []models.LineRequest{line(ticketID, 1)},
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, models.ErrInsufficientStock)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, testutil.TicketStock(t, h.db, ticketID))
}

func TestCreate_InsufficientStockRollsBackEveryLine(t *testing.T) {
	h := newHarness(t)
	plenty := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	scarce := testutil.InsertTicket(t, h.db, h.eventID, 200, 1)

	_, err := h.svc.Create(context.Background(), models.CreateOrderInput{
		BuyerID: "buyer-1",
		Lines:   []models.LineRequest{line(scarce, 2), line(plenty, 2)},
	})

	var stockErr *models.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, scarce, stockErr.TicketID)
	assert.Equal(t, 2, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Available)

	assert.Equal(t, 5, testutil.TicketStock(t, h.db, plenty))
	assert.Equal(t, 1, testutil.TicketStock(t, h.db, scarce))

	count, err := h.db.NewSelect().Model((*models.Order)(nil)).Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	otherEvent := testutil.InsertEvent(t, h.db, "Other")
	otherTicket := testutil.InsertTicket(t, h.db, otherEvent, 100, 5)

	tests := []struct {
		name  string
		lines []models.LineRequest
		want  error
	}{
		{"no lines", nil, models.ErrInvalidRequest},
		{"zero quantity", []models.LineRequest{line(ticketID, 0)}, models.ErrInvalidRequest},
		{"negative quantity", []models.LineRequest{line(ticketID, -1)}, models.ErrInvalidRequest},
		{"duplicate ticket", []models.LineRequest{line(ticketID, 1), line(ticketID, 1)}, models.ErrInvalidRequest},
		{"unknown ticket", []models.LineRequest{line(ticketID, 1), line(99999, 1)}, models.ErrNotFound},
		{"mixed events", []models.LineRequest{line(ticketID, 1), line(otherTicket, 1)}, models.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Create(context.Background(), models.CreateOrderInput{BuyerID: "buyer-1", Lines: tt.lines})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, 5, testutil.TicketStock(t, h.db, ticketID))
	assert.Equal(t, 5, testutil.TicketStock(t, h.db, otherTicket))
}

func TestCreate_SchedulerFailureDoesNotFailRequest(t *testing.T) {
	h := newHarness(t)
	h.svc.Scheduler = failingScheduler{}
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)

	view := h.create(t, "buyer-1", line(ticketID, 1))
	assert.Equal(t, models.StatusPending, view.Status)
	assert.Contains(t, h.logs.String(), "no automatic expiry")

	// The sweeper recovers it once the window and grace have passed.
	h.clk.Advance(window + 2*time.Minute)
	n, err := h.worker.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusExpired, testutil.OrderStatus(t, h.db, view.UUID))
	assert.Equal(t, 5, testutil.TicketStock(t, h.db, ticketID))
}

// ---------------- EXPIRY ----------------

func TestExpiry_ReleasesStockAfterWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	view := h.create(t, "buyer-1", line(ticketID, 2))

	n, err := h.queue.ProcessDue(ctx, h.worker.Handle)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing fires before the window")

	h.clk.Advance(window)
	n, err = h.queue.ProcessDue(ctx, h.worker.Handle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, models.StatusExpired, testutil.OrderStatus(t, h.db, view.UUID))
	assert.Equal(t, 5, testutil.TicketStock(t, h.db, ticketID))
	assert.Equal(t, []string{models.EventAwaitingProof, models.EventExpired}, h.notifier.events(view.UUID))

	// A redundant firing changes nothing.
	require.NoError(t, h.worker.OnTask(ctx, view.UUID))
	assert.Equal(t, 5, testutil.TicketStock(t, h.db, ticketID))
}

func TestExpiry_AfterUploadIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	view := h.create(t, "buyer-1", line(ticketID, 2))

	_, err := h.svc.UploadProof(ctx, view.UUID, proof, "buyer-1")
	require.NoError(t, err)

	require.NoError(t, h.worker.OnTask(ctx, view.UUID))
	require.NoError(t, h.worker.OnTask(ctx, view.UUID))

	assert.Equal(t, models.StatusAwaitingReview, testutil.OrderStatus(t, h.db, view.UUID))
	assert.Equal(t, 3, testutil.TicketStock(t, h.db, ticketID))
}

// ---------------- UPLOAD PROOF ----------------

func TestUploadProof_MovesToAwaitingReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	view := h.create(t, "buyer-1", line(ticketID, 1))

	updates := h.emitter.Subscribe(ctx, view.UUID)
	h.clk.Advance(time.Minute)

	got, err := h.svc.UploadProof(ctx, view.UUID, proof, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingReview, got.Status)
	assert.Regexp(t, `^http://localhost:8084/media/`, got.PaymentProof)

	stored, err := h.orders.GetByUUID(ctx, view.UUID)
	require.NoError(t, err)
	assert.Equal(t, got.PaymentProof, stored.PaymentProof)
	assert.WithinDuration(t, h.clk.Now(), stored.UpdatedAt, time.Millisecond, "updated_at follows the injected clock")

	obj, err := h.media.Get(ctx, media.IDFromRef(got.PaymentProof))
	require.NoError(t, err)
	assert.WithinDuration(t, h.clk.Now(), obj.CreatedAt, time.Millisecond)

	select {
	case ev := <-updates:
		assert.Equal(t, models.StatusAwaitingReview, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}
}

func TestUploadProof_Refusals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	view := h.create(t, "buyer-1", line(ticketID, 1))

	_, err := h.svc.UploadProof(ctx, "missing", proof, "buyer-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.svc.UploadProof(ctx, view.UUID, proof, "intruder")
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = h.svc.UploadProof(ctx, view.UUID, models.Upload{Name: "x.exe", ContentType: "application/x-msdownload", Data: []byte("MZ")}, "buyer-1")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	h.clk.Advance(window)
	require.NoError(t, h.worker.OnTask(ctx, view.UUID))

	_, err = h.svc.UploadProof(ctx, view.UUID, proof, "buyer-1")
	var stateErr *models.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, models.StatusExpired, stateErr.Current)
	assert.Zero(t, mediaCount(t, h.db))
}

// expiringStore lets the expiry worker win between the status check and
// the compare-and-swap of an upload.
type expiringStore struct {
	*order_db.DB
	worker *expiry.Worker
}

func (s *expiringStore) Transition(ctx context.Context, tr models.Transition) (bool, error) {
	if tr.To == models.StatusAwaitingReview {
		if err := s.worker.OnTask(ctx, tr.UUID); err != nil {
			return false, err
		}
	}
	return s.DB.Transition(ctx, tr)
}

func TestUploadProof_LosesRaceToExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	view := h.create(t, "buyer-1", line(ticketID, 2))

	h.svc.Orders = &expiringStore{DB: h.orders, worker: h.worker}

	_, err := h.svc.UploadProof(ctx, view.UUID, proof, "buyer-1")
	var stateErr *models.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, models.StatusExpired, stateErr.Current)

	assert.Zero(t, mediaCount(t, h.db), "the losing upload is removed")
	assert.Equal(t, 5, testutil.TicketStock(t, h.db, ticketID))
}

func TestUploadProofRacingExpiry_SingleWinner(t *testing.T) {
	for i := 0; i < 5; i++ {
		h := newHarness(t)
		ctx := context.Background()
		ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
		view := h.create(t, "buyer-1", line(ticketID, 2))

		var wg sync.WaitGroup
		var uploadErr, expiryErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, uploadErr = h.svc.UploadProof(ctx, view.UUID, proof, "buyer-1")
		}()
		go func() {
			defer wg.Done()
			expiryErr = h.worker.OnTask(ctx, view.UUID)
		}()
		wg.Wait()
		require.NoError(t, expiryErr)

		switch testutil.OrderStatus(t, h.db, view.UUID) {
		case models.StatusAwaitingReview:
			require.NoError(t, uploadErr)
			assert.Equal(t, 3, testutil.TicketStock(t, h.db, ticketID))
			assert.Equal(t, 1, mediaCount(t, h.db))
		case models.StatusExpired:
			assert.ErrorIs(t, uploadErr, models.ErrInvalidState)
			assert.Equal(t, 5, testutil.TicketStock(t, h.db, ticketID))
			assert.Zero(t, mediaCount(t, h.db))
		default:
			t.Fatalf("unexpected status")
		}
	}
}

// ---------------- ADMIN ----------------

func TestAdminDecide_AcceptIssuesTicket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	view := h.create(t, "buyer-1", line(ticketID, 2))
	_, err := h.svc.UploadProof(ctx, view.UUID, proof, "buyer-1")
	require.NoError(t, err)

	got, err := h.svc.AdminDecide(ctx, view.UUID, models.DecisionAccept)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, got.Status)
	assert.NotEmpty(t, got.ETicketRef)

	stored, err := h.orders.GetByUUID(ctx, view.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, stored.Status)
	assert.Equal(t, got.ETicketRef, stored.ETicketRef)

	obj, err := h.media.Get(ctx, media.IDFromRef(stored.ETicketRef))
	require.NoError(t, err)
	assert.Equal(t, "image/png", obj.ContentType)

	paid := h.notifier.last()
	assert.Equal(t, models.EventPaid, paid.Event)
	assert.Equal(t, stored.ETicketRef, paid.ETicketRef)
	assert.Equal(t, int64(200), paid.Total)
	assert.Equal(t, 3, testutil.TicketStock(t, h.db, ticketID), "accepted orders keep their stock")

	_, err = h.svc.AdminDecide(ctx, view.UUID, models.DecisionReject)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Equal(t, 3, testutil.TicketStock(t, h.db, ticketID))

	// Expiry firing late does nothing to a paid order.
	require.NoError(t, h.worker.OnTask(ctx, view.UUID))
	assert.Equal(t, models.StatusPaid, testutil.OrderStatus(t, h.db, view.UUID))
}

func TestAdminDecide_RejectReleasesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	b := testutil.InsertTicket(t, h.db, h.eventID, 300, 4)
	view := h.create(t, "buyer-1", line(b, 1), line(a, 2))
	_, err := h.svc.UploadProof(ctx, view.UUID, proof, "buyer-1")
	require.NoError(t, err)

	got, err := h.svc.AdminDecide(ctx, view.UUID, models.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.Status)
	assert.Equal(t, 5, testutil.TicketStock(t, h.db, a))
	assert.Equal(t, 4, testutil.TicketStock(t, h.db, b))
	assert.Equal(t, models.EventRejected, h.notifier.last().Event)

	_, err = h.svc.AdminDecide(ctx, view.UUID, models.DecisionReject)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Equal(t, 5, testutil.TicketStock(t, h.db, a))
	assert.Equal(t, 4, testutil.TicketStock(t, h.db, b))
}

func TestAdminDecide_Refusals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	view := h.create(t, "buyer-1", line(ticketID, 1))

	_, err := h.svc.AdminDecide(ctx, view.UUID, models.Decision("MAYBE"))
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = h.svc.AdminDecide(ctx, "missing", models.DecisionAccept)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.svc.AdminDecide(ctx, view.UUID, models.DecisionAccept)
	var stateErr *models.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, models.StatusPending, stateErr.Current)
	assert.Equal(t, models.StatusPending, testutil.OrderStatus(t, h.db, view.UUID))
}

// ---------------- VOUCHERS ----------------

func TestApplyVoucher_LastUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 1000, 5)
	voucherID := testutil.InsertVoucher(t, h.db, h.eventID, "EARLY", 300, 1)
	first := h.create(t, "buyer-1", line(ticketID, 2))
	second := h.create(t, "buyer-2", line(ticketID, 1))

	pricing, err := h.svc.ApplyVoucher(ctx, first.UUID, "EARLY", "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, models.Pricing{Subtotal: 2000, Discount: 300, Total: 1700}, pricing)

	_, err = h.svc.ApplyVoucher(ctx, second.UUID, "EARLY", "buyer-2")
	assert.ErrorIs(t, err, models.ErrVoucherExhausted)
	assert.Equal(t, 0, testutil.VoucherRemaining(t, h.db, voucherID))

	got, err := h.svc.GetOrder(ctx, first.UUID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, voucherID, got.VoucherID)
	assert.Equal(t, int64(1700), got.Pricing.Total)
}

func TestApplyVoucher_RepeatedCallsConsumeAgain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 1000, 5)
	voucherID := testutil.InsertVoucher(t, h.db, h.eventID, "TWICE", 100, 2)
	view := h.create(t, "buyer-1", line(ticketID, 1))

	_, err := h.svc.ApplyVoucher(ctx, view.UUID, "TWICE", "buyer-1")
	require.NoError(t, err)
	_, err = h.svc.ApplyVoucher(ctx, view.UUID, "TWICE", "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, 0, testutil.VoucherRemaining(t, h.db, voucherID))
}

func TestApplyVoucher_TotalNeverNegative(t *testing.T) {
	h := newHarness(t)
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	testutil.InsertVoucher(t, h.db, h.eventID, "HUGE", 10000, 5)
	view := h.create(t, "buyer-1", line(ticketID, 1))

	pricing, err := h.svc.ApplyVoucher(context.Background(), view.UUID, "HUGE", "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, models.Pricing{Subtotal: 100, Discount: 10000, Total: 0}, pricing)
}

func TestApplyVoucher_Refusals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	otherEvent := testutil.InsertEvent(t, h.db, "Other")
	testutil.InsertVoucher(t, h.db, otherEvent, "ELSEWHERE", 50, 5)
	voucherID := testutil.InsertVoucher(t, h.db, h.eventID, "EMPTY", 50, 0)
	view := h.create(t, "buyer-1", line(ticketID, 1))

	_, err := h.svc.ApplyVoucher(ctx, view.UUID, "NOPE", "buyer-1")
	assert.ErrorIs(t, err, models.ErrInvalidVoucher)

	_, err = h.svc.ApplyVoucher(ctx, view.UUID, "ELSEWHERE", "buyer-1")
	assert.ErrorIs(t, err, models.ErrInvalidVoucher, "vouchers are scoped to the order's event")

	_, err = h.svc.ApplyVoucher(ctx, view.UUID, "EMPTY", "buyer-1")
	assert.ErrorIs(t, err, models.ErrVoucherExhausted)
	assert.Equal(t, 0, testutil.VoucherRemaining(t, h.db, voucherID))

	_, err = h.svc.ApplyVoucher(ctx, view.UUID, "EMPTY", "intruder")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.svc.ApplyVoucher(ctx, "missing", "EMPTY", "buyer-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// ---------------- QUERIES & PAYMENT METHOD ----------------

func TestGetOrder_Ownership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	view := h.create(t, "buyer-1", line(ticketID, 1))

	_, err := h.svc.GetOrder(ctx, view.UUID, "intruder")
	assert.ErrorIs(t, err, models.ErrNotFound)

	got, err := h.svc.AdminGetOrder(ctx, view.UUID)
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", got.UserID)

	_, err = h.svc.AdminGetOrder(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSetPaymentMethod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
	view := h.create(t, "buyer-1", line(ticketID, 1))

	require.NoError(t, h.svc.SetPaymentMethod(ctx, view.UUID, " BANK_TRANSFER ", "buyer-1"))
	stored, err := h.orders.GetByUUID(ctx, view.UUID)
	require.NoError(t, err)
	assert.Equal(t, "BANK_TRANSFER", stored.PaymentMethod)

	assert.ErrorIs(t, h.svc.SetPaymentMethod(ctx, view.UUID, "  ", "buyer-1"), models.ErrInvalidRequest)
	assert.ErrorIs(t, h.svc.SetPaymentMethod(ctx, view.UUID, "CARD", "intruder"), models.ErrNotFound)
}

func TestNewOrderService_Defaults(t *testing.T) {
	svc := order.NewOrderService(order.Deps{Logger: logger.NewWithWriter(io.Discard)})
	assert.Equal(t, 5*time.Minute, svc.Window())
}
