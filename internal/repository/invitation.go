package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sitcon-tw/tickets-sub001/internal/model"
)

// InvitationRepository reads invitation codes and consumes their usage.
type InvitationRepository struct {
	db *pgxpool.Pool
}

// NewInvitationRepository constructs an InvitationRepository.
func NewInvitationRepository(db *pgxpool.Pool) *InvitationRepository {
	return &InvitationRepository{db: db}
}

// FindByCode returns the code bound to ticketID, or ErrNotFound.
func (r *InvitationRepository) FindByCode(ctx context.Context, ticketID, code string) (*model.InvitationCode, error) {
	var c model.InvitationCode
	err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT id, ticket_id, code, name, usage_limit, used_count, valid_from, valid_until, is_active
		 FROM invitation_codes
		 WHERE ticket_id = $1 AND code = $2`,
		ticketID, code,
	).Scan(&c.ID, &c.TicketID, &c.Code, &c.Name, &c.UsageLimit, &c.UsedCount,
		&c.ValidFrom, &c.ValidUntil, &c.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find invitation code: %w", err)
	}
	return &c, nil
}

// ConsumeUsage records one use of the code. It returns false when the
// usage limit has been reached or the code was deactivated meanwhile.
func (r *InvitationRepository) ConsumeUsage(ctx context.Context, id string) (bool, error) {
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE invitation_codes
		 SET used_count = used_count + 1, updated_at = NOW()
		 WHERE id = $1
		   AND is_active
		   AND (usage_limit IS NULL OR used_count < usage_limit)`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("consume invitation usage: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
