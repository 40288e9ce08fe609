package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sitcon-tw/tickets-sub001/internal/model"
)

// TicketRepository owns each ticket's capacity and sold counters.
type TicketRepository struct {
	db *pgxpool.Pool
}

// NewTicketRepository constructs a TicketRepository.
func NewTicketRepository(db *pgxpool.Pool) *TicketRepository {
	return &TicketRepository{db: db}
}

// GetByID returns a single ticket or ErrNotFound. The counters it reports
// are informational; admission decides availability with ReserveUnit.
func (r *TicketRepository) GetByID(ctx context.Context, id string) (*model.Ticket, error) {
	var t model.Ticket
	err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT id, event_id, name, quantity, sold_count, sale_start, sale_end,
		        require_invite_code, is_active
		 FROM tickets WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.EventID, &t.Name, &t.Quantity, &t.SoldCount, &t.SaleStart, &t.SaleEnd,
		&t.RequireInviteCode, &t.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return &t, nil
}

// ReserveUnit takes one unit of inventory. It returns false, without error,
// when the ticket is already at capacity.
func (r *TicketRepository) ReserveUnit(ctx context.Context, id string) (bool, error) {
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE tickets
		 SET sold_count = sold_count + 1, updated_at = NOW()
		 WHERE id = $1 AND sold_count < quantity`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("reserve ticket unit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseUnit returns one unit of inventory. It never takes sold_count below
// zero; it returns false when there was nothing to release.
func (r *TicketRepository) ReleaseUnit(ctx context.Context, id string) (bool, error) {
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE tickets
		 SET sold_count = sold_count - 1, updated_at = NOW()
		 WHERE id = $1 AND sold_count > 0`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("release ticket unit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
