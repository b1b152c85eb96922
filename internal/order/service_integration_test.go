package order_test

import (
	"context"
	"sync"
	"testing"

	"ms-reservations/internal/models"
	"ms-reservations/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The races below run on Postgres so the goroutines hold separate
// connections and really interleave on the status compare-and-swap.

func TestPostgres_ConcurrentBuyersNeverOversell(t *testing.T) {
	h := newHarnessOn(t, testutil.NewPostgresDB(t))
	ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 3)

	const buyers = 12
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
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 0, testutil.TicketStock(t, h.db, ticketID))
}

func TestPostgres_UploadProofRacingExpiry(t *testing.T) {
	h := newHarnessOn(t, testutil.NewPostgresDB(t))
	ctx := context.Background()

	proofs := 0
	for i := 0; i < 10; i++ {
		ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
		view := h.create(t, "buyer-1", line(ticketID, 2))

		var wg sync.WaitGroup
		var uploadErr error
		expiryErrs := make([]error, 2)
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, uploadErr = h.svc.UploadProof(ctx, view.UUID, proof, "buyer-1")
		}()
		// The queue may deliver the same expiry twice.
		for j := range expiryErrs {
			go func(j int) {
				defer wg.Done()
				expiryErrs[j] = h.worker.OnTask(ctx, view.UUID)
			}(j)
		}
		wg.Wait()
		for _, err := range expiryErrs {
			require.NoError(t, err)
		}

		switch status := testutil.OrderStatus(t, h.db, view.UUID); status {
		case models.StatusAwaitingReview:
			require.NoError(t, uploadErr, "round %d", i)
			assert.Equal(t, 3, testutil.TicketStock(t, h.db, ticketID), "round %d", i)
			proofs++
		case models.StatusExpired:
			assert.ErrorIs(t, uploadErr, models.ErrInvalidState, "round %d", i)
			assert.Equal(t, 5, testutil.TicketStock(t, h.db, ticketID), "round %d: released exactly once", i)
		default:
			t.Fatalf("round %d: unexpected status %s", i, status)
		}
		assert.Equal(t, proofs, mediaCount(t, h.db), "round %d: only the winning upload is kept", i)
	}
}

func TestPostgres_RejectRacingExpiry(t *testing.T) {
	h := newHarnessOn(t, testutil.NewPostgresDB(t))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ticketID := testutil.InsertTicket(t, h.db, h.eventID, 100, 5)
		view := h.create(t, "buyer-1", line(ticketID, 2))

		// Half the rounds race the reject against a proof still in flight,
		// so expiry can win the order before review.
		uploaded := i%2 == 0
		if uploaded {
			_, err := h.svc.UploadProof(ctx, view.UUID, proof, "buyer-1")
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		var uploadErr, rejectErr, expiryErr error
		wg.Add(2)
		if !uploaded {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, uploadErr = h.svc.UploadProof(ctx, view.UUID, proof, "buyer-1")
			}()
		}
		go func() {
			defer wg.Done()
			_, rejectErr = h.svc.AdminDecide(ctx, view.UUID, models.DecisionReject)
		}()
		go func() {
			defer wg.Done()
			expiryErr = h.worker.OnTask(ctx, view.UUID)
		}()
		wg.Wait()
		require.NoError(t, expiryErr, "round %d", i)

		status := testutil.OrderStatus(t, h.db, view.UUID)
		switch status {
		case models.StatusRejected:
			require.NoError(t, rejectErr, "round %d", i)
		case models.StatusExpired:
			require.False(t, uploaded, "round %d: an order under review never expires", i)
			assert.ErrorIs(t, rejectErr, models.ErrInvalidState, "round %d", i)
			assert.ErrorIs(t, uploadErr, models.ErrInvalidState, "round %d", i)
		case models.StatusAwaitingReview:
			// The reject ran before the proof landed.
			require.False(t, uploaded, "round %d", i)
			require.NoError(t, uploadErr, "round %d", i)
			assert.ErrorIs(t, rejectErr, models.ErrInvalidState, "round %d", i)
			assert.Equal(t, 3, testutil.TicketStock(t, h.db, ticketID), "round %d", i)
			continue
		default:
			t.Fatalf("round %d: unexpected status %s", i, status)
		}
		assert.Equal(t, 5, testutil.TicketStock(t, h.db, ticketID), "round %d: released exactly once", i)
	}
}
