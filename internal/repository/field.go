package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sitcon-tw/tickets-sub001/internal/formschema"
	"go.uber.org/zap"
)

// FormFieldRepository loads registration form schemas.
type FormFieldRepository struct {
	db  *pgxpool.Pool
	log *zap.Logger

	// warned holds broken definitions already logged, keyed by field id,
	// type and validater.
	warned sync.Map
}

// NewFormFieldRepository constructs a FormFieldRepository.
func NewFormFieldRepository(db *pgxpool.Pool, log *zap.Logger) *FormFieldRepository {
	return &FormFieldRepository{db: db, log: log}
}

// ListForTicket returns the event-wide fields plus the fields bound to the
// ticket, in form order, with filters and options already parsed.
func (r *FormFieldRepository) ListForTicket(ctx context.Context, eventID, ticketID string) ([]formschema.Field, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT id, event_id, ticket_id, name, description, type, required, validater,
		        "values", filters, sort_order
		 FROM form_fields
		 WHERE event_id = $1 AND (ticket_id IS NULL OR ticket_id = $2)
		 ORDER BY sort_order ASC, id ASC`,
		eventID, ticketID,
	)
	if err != nil {
		return nil, fmt.Errorf("list form fields: %w", err)
	}
	defer rows.Close()

	var fields []formschema.Field
	for rows.Next() {
		var (
			f                 formschema.Field
			fieldType         string
			validater         *string
			name, description []byte
			values, filters   []byte
		)
		if err := rows.Scan(&f.ID, &f.EventID, &f.TicketID, &name, &description, &fieldType,
			&f.Required, &validater, &values, &filters, &f.Order); err != nil {
			return nil, fmt.Errorf("scan form field: %w", err)
		}
		f.Type = formschema.FieldType(fieldType)
		if validater != nil {
			f.Validater = *validater
		}
		if err := decodeField(&f, name, description, values, filters); err != nil {
			return nil, err
		}
		if err := f.Prepare(); err != nil {
			r.warnInvalid(&f, err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate form fields: %w", err)
	}
	return fields, nil
}

func decodeField(f *formschema.Field, name, description, values, filters []byte) error {
	if err := unmarshalOptional(name, &f.Name); err != nil {
		return fmt.Errorf("form field %s name: %w", f.ID, err)
	}
	if err := unmarshalOptional(description, &f.Description); err != nil {
		return fmt.Errorf("form field %s description: %w", f.ID, err)
	}
	if err := unmarshalOptional(values, &f.Values); err != nil {
		return fmt.Errorf("form field %s values: %w", f.ID, err)
	}
	if len(filters) > 0 && string(filters) != "null" {
		f.Filters = &formschema.Filter{}
		if err := json.Unmarshal(filters, f.Filters); err != nil {
			return fmt.Errorf("form field %s filters: %w", f.ID, err)
		}
	}
	return nil
}

// warnInvalid logs a field whose definition cannot be enforced. The field is
// still served; validation flags it on its own.
func (r *FormFieldRepository) warnInvalid(f *formschema.Field, err error) {
	key := f.ID + "\x00" + string(f.Type) + "\x00" + f.Validater
	if _, seen := r.warned.LoadOrStore(key, struct{}{}); seen {
		return
	}
	r.log.Warn("form field definition is invalid",
		zap.String("event_id", f.EventID),
		zap.String("field_id", f.ID),
		zap.Error(err),
	)
}

func unmarshalOptional(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
