package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"ms-reservations/internal/database"
	"ms-reservations/internal/models"

	"github.com/uptrace/bun"
)

// Store mutates ticket stock with single conditional updates. Call it
// inside database.UnitOfWork.RunInTx when several lines must move together.
type Store struct {
	Bun *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{Bun: db}
}

func (s *Store) GetTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	var ticket models.Ticket
	err := database.Conn(ctx, s.Bun).NewSelect().
		Model(&ticket).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// GetTickets returns the tickets that exist among ids, ordered by id.
func (s *Store) GetTickets(ctx context.Context, ids []int64) ([]models.Ticket, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tickets []models.Ticket
	err := database.Conn(ctx, s.Bun).NewSelect().
		Model(&tickets).
		Where("id IN (?)", bun.In(ids)).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

// ListByEvent returns every ticket type of an event with its remaining
// stock.
func (s *Store) ListByEvent(ctx context.Context, eventID int64) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := database.Conn(ctx, s.Bun).NewSelect().
		Model(&tickets).
		Where("event_id = ?", eventID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tickets of event %d: %w", eventID, err)
	}
	return tickets, nil
}

// Reserve takes qty units of a ticket. The decrement only applies while
// stock >= qty, so stock never goes negative under concurrent callers.
func (s *Store) Reserve(ctx context.Context, ticketID int64, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("reserve %d units of ticket %d: %w", qty, ticketID, models.ErrInvalidRequest)
	}

	res, err := database.Conn(ctx, s.Bun).NewUpdate().
		Table("tickets").
		Set("stock = stock - ?", qty).
		Where("id = ?", ticketID).
		Where("stock >= ?", qty).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("reserve ticket %d: %w", ticketID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	ticket, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	return &models.InsufficientStockError{TicketID: ticketID, Requested: qty, Available: ticket.Stock}
}

// Release gives qty units back to a ticket.
func (s *Store) Release(ctx context.Context, ticketID int64, qty int) error {
	res, err := database.Conn(ctx, s.Bun).NewUpdate().
		Table("tickets").
		Set("stock = stock + ?", qty).
		Where("id = ?", ticketID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("release ticket %d: %w", ticketID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("release ticket %d: %w", ticketID, models.ErrNotFound)
	}
	return nil
}

// ReserveLines reserves every line in ascending ticket id order, so two
// orders over the same tickets lock rows in the same sequence.
func (s *Store) ReserveLines(ctx context.Context, lines []models.LineRequest) error {
	sorted := make([]models.LineRequest, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TicketID < sorted[j].TicketID })

	for _, line := range sorted {
		if err := s.Reserve(ctx, line.TicketID, line.Qty); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ReleaseLines(ctx context.Context, lines []models.OrderLine) error {
	sorted := make([]models.OrderLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TicketID < sorted[j].TicketID })

	for _, line := range sorted {
		if err := s.Release(ctx, line.TicketID, line.Qty); err != nil {
			return err
		}
	}
	return nil
}
