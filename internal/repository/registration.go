package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sitcon-tw/tickets-sub001/internal/model"
)

// RegistrationRepository handles persistence for registrations and their
// submitted form values.
type RegistrationRepository struct {
	db *pgxpool.Pool
}

// NewRegistrationRepository constructs a RegistrationRepository.
func NewRegistrationRepository(db *pgxpool.Pool) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

const registrationColumns = `id, event_id, ticket_id, email, status, referral_code, referred_by,
	invitation_code_id, edit_token_hash, edit_token_expiry, cancellation_reason, cancelled_at,
	created_at, updated_at`

func scanRegistration(row pgx.Row) (*model.Registration, error) {
	var reg model.Registration
	var status string
	err := row.Scan(&reg.ID, &reg.EventID, &reg.TicketID, &reg.Email, &status, &reg.ReferralCode,
		&reg.ReferredBy, &reg.InvitationCodeID, &reg.EditTokenHash, &reg.EditTokenExpiry,
		&reg.CancellationReason, &reg.CancelledAt, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	reg.Status = model.RegistrationStatus(status)
	return &reg, nil
}

// ExistsActive reports whether a non-cancelled registration exists for the
// email in the event. Emails compare case-insensitively.
func (r *RegistrationRepository) ExistsActive(ctx context.Context, eventID, email string) (bool, error) {
	var exists bool
	err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM registrations
		   WHERE event_id = $1 AND lower(email) = lower($2) AND status <> 'cancelled'
		 )`,
		eventID, email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active registration: %w", err)
	}
	return exists, nil
}

// ReferralCodeExists reports whether a check-in code is already issued.
func (r *RegistrationRepository) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM registrations WHERE referral_code = $1)`,
		code,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check referral code: %w", err)
	}
	return exists, nil
}

// FindConfirmedByReferralCode returns the id of the confirmed registration
// in eventID holding the check-in code, or ErrNotFound.
func (r *RegistrationRepository) FindConfirmedByReferralCode(ctx context.Context, eventID, code string) (string, error) {
	var id string
	err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT id FROM registrations
		 WHERE referral_code = $1 AND event_id = $2 AND status = 'confirmed'`,
		code, eventID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("find referral: %w", err)
	}
	return id, nil
}

// Create inserts the registration and one data row per submitted field.
// It returns ErrAlreadyRegistered or ErrCodeTaken when the corresponding
// unique index rejects the row. Call it inside a transaction.
func (r *RegistrationRepository) Create(ctx context.Context, reg *model.Registration, data map[string]any) error {
	q := conn(ctx, r.db)
	_, err := q.Exec(ctx,
		`INSERT INTO registrations (id, event_id, ticket_id, email, status, referral_code,
		                            referred_by, invitation_code_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		reg.ID, reg.EventID, reg.TicketID, reg.Email, string(reg.Status), reg.ReferralCode,
		reg.ReferredBy, reg.InvitationCodeID, reg.CreatedAt, reg.UpdatedAt,
	)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			switch constraint {
			case constraintActiveEmail:
				return ErrAlreadyRegistered
			case constraintReferralCode:
				return ErrCodeTaken
			}
		}
		return fmt.Errorf("insert registration: %w", err)
	}

	if err := r.UpsertData(ctx, reg.ID, data); err != nil {
		return err
	}
	return nil
}

// GetByID returns a single registration or ErrNotFound.
func (r *RegistrationRepository) GetByID(ctx context.Context, id string) (*model.Registration, error) {
	reg, err := scanRegistration(conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get registration: %w", err)
	}
	return reg, err
}

// EditLookup narrows the registration an edit link is requested for.
type EditLookup struct {
	Email string
	// OrderNumber is matched against the registration id, or against the
	// check-in code when ByCheckInCode is set. Empty means newest.
	OrderNumber   string
	ByCheckInCode bool
}

// FindForEdit returns the newest confirmed registration matching the
// lookup, or ErrNotFound.
func (r *RegistrationRepository) FindForEdit(ctx context.Context, l EditLookup) (*model.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations
		WHERE lower(email) = lower($1) AND status = 'confirmed'`
	args := []any{l.Email}
	if l.OrderNumber != "" {
		if l.ByCheckInCode {
			query += ` AND referral_code = $2`
			args = append(args, strings.ToUpper(l.OrderNumber))
		} else {
			query += ` AND id = $2`
			args = append(args, l.OrderNumber)
		}
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	reg, err := scanRegistration(conn(ctx, r.db).QueryRow(ctx, query, args...))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find registration for edit: %w", err)
	}
	return reg, err
}

// SetEditToken stores the hash and expiry of a freshly issued token,
// replacing any previous one.
func (r *RegistrationRepository) SetEditToken(ctx context.Context, id, hash string, expiry time.Time) error {
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE registrations
		 SET edit_token_hash = $2, edit_token_expiry = $3, updated_at = NOW()
		 WHERE id = $1`,
		id, hash, expiry,
	)
	if err != nil {
		return fmt.Errorf("set edit token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByTokenHash returns the registration holding the token hash, or
// ErrNotFound. With forUpdate the row stays locked until the surrounding
// transaction ends.
func (r *RegistrationRepository) FindByTokenHash(ctx context.Context, hash string, forUpdate bool) (*model.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE edit_token_hash = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	reg, err := scanRegistration(conn(ctx, r.db).QueryRow(ctx, query, hash))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find registration by token: %w", err)
	}
	return reg, err
}

// ClearEditToken invalidates the token only if the registration still holds
// hash. It returns false when another request cleared it first.
func (r *RegistrationRepository) ClearEditToken(ctx context.Context, id, hash string) (bool, error) {
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE registrations
		 SET edit_token_hash = NULL, edit_token_expiry = NULL, updated_at = NOW()
		 WHERE id = $1 AND edit_token_hash = $2`,
		id, hash,
	)
	if err != nil {
		return false, fmt.Errorf("clear edit token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCancelled moves a confirmed registration to cancelled. It returns
// false when the registration was not confirmed.
func (r *RegistrationRepository) MarkCancelled(ctx context.Context, id string, reason *string, at time.Time) (bool, error) {
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE registrations
		 SET status = 'cancelled', cancellation_reason = $2, cancelled_at = $3, updated_at = $3
		 WHERE id = $1 AND status = 'confirmed'`,
		id, reason, at,
	)
	if err != nil {
		return false, fmt.Errorf("cancel registration: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertData writes one row per field value, replacing existing values.
func (r *RegistrationRepository) UpsertData(ctx context.Context, registrationID string, data map[string]any) error {
	if len(data) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for fieldID, value := range data {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode value of field %s: %w", fieldID, err)
		}
		batch.Queue(
			`INSERT INTO registration_data (registration_id, field_id, value, updated_at)
			 VALUES ($1, $2, $3, NOW())
			 ON CONFLICT (registration_id, field_id)
			 DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
			registrationID, fieldID, json.RawMessage(raw),
		)
	}

	results := conn(ctx, r.db).SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("upsert registration data: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("upsert registration data: %w", err)
	}
	return nil
}

// GetData returns the stored form values keyed by field id.
func (r *RegistrationRepository) GetData(ctx context.Context, registrationID string) (map[string]any, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT field_id, value FROM registration_data WHERE registration_id = $1`,
		registrationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list registration data: %w", err)
	}
	defer rows.Close()

	data := make(map[string]any)
	for rows.Next() {
		var fieldID string
		var raw []byte
		if err := rows.Scan(&fieldID, &raw); err != nil {
			return nil, fmt.Errorf("scan registration data: %w", err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode value of field %s: %w", fieldID, err)
		}
		data[fieldID] = v
	}
	return data, rows.Err()
}
