// Package service implements admission, self-service edit and cancellation,
// and the orchestration between HTTP handlers and the repository layer.
//
// Services depend on the small store interfaces below rather than on the
// pgx repositories directly. Every counter and uniqueness rule is enforced
// by the store with a guarded statement; services hold no locks of their own.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sitcon-tw/tickets-sub001/internal/apperror"
	"github.com/sitcon-tw/tickets-sub001/internal/formschema"
	"github.com/sitcon-tw/tickets-sub001/internal/model"
	"github.com/sitcon-tw/tickets-sub001/internal/notify"
	"github.com/sitcon-tw/tickets-sub001/internal/repository"
	"github.com/sitcon-tw/tickets-sub001/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventStore reads events.
type EventStore interface {
	GetByID(ctx context.Context, id string) (*model.Event, error)
}

// TicketLedger owns ticket inventory.
type TicketLedger interface {
	GetByID(ctx context.Context, id string) (*model.Ticket, error)
	ReserveUnit(ctx context.Context, id string) (bool, error)
	ReleaseUnit(ctx context.Context, id string) (bool, error)
}

// InviteStore reads invitation codes and consumes their usage.
type InviteStore interface {
	FindByCode(ctx context.Context, ticketID, code string) (*model.InvitationCode, error)
	ConsumeUsage(ctx context.Context, id string) (bool, error)
}

// RegistrationStore persists registrations, their form data and edit tokens.
type RegistrationStore interface {
	ExistsActive(ctx context.Context, eventID, email string) (bool, error)
	ReferralCodeExists(ctx context.Context, code string) (bool, error)
	FindConfirmedByReferralCode(ctx context.Context, eventID, code string) (string, error)
	Create(ctx context.Context, reg *model.Registration, data map[string]any) error
	GetByID(ctx context.Context, id string) (*model.Registration, error)
	FindForEdit(ctx context.Context, l repository.EditLookup) (*model.Registration, error)
	SetEditToken(ctx context.Context, id, hash string, expiry time.Time) error
	FindByTokenHash(ctx context.Context, hash string, forUpdate bool) (*model.Registration, error)
	ClearEditToken(ctx context.Context, id, hash string) (bool, error)
	MarkCancelled(ctx context.Context, id string, reason *string, at time.Time) (bool, error)
	UpsertData(ctx context.Context, registrationID string, data map[string]any) error
	GetData(ctx context.Context, registrationID string) (map[string]any, error)
}

// FieldStore loads form schemas.
type FieldStore interface {
	ListForTicket(ctx context.Context, eventID, ticketID string) ([]formschema.Field, error)
}

// Transactor runs fn in a transaction carried by the context it passes on.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier hands messages to the delivery pipeline.
type Notifier interface {
	SendConfirmation(ctx context.Context, msg notify.Confirmation) error
	SendEditLink(ctx context.Context, msg notify.EditLink) error
}

// RateLimiter bounds repeated actions per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// TokenHasher derives the stored form of a raw edit token.
type TokenHasher interface {
	Hash(raw string) string
}

// Stores groups the persistence dependencies shared by the services.
type Stores struct {
	Tx            Transactor
	Events        EventStore
	Tickets       TicketLedger
	Invites       InviteStore
	Registrations RegistrationStore
	Fields        FieldStore
}

var validate = validator.New()

// Dispatcher runs side effects after a transaction has committed. Tasks run
// in their own goroutine on a context detached from the request, with a
// timeout. Failures and panics are logged and never reach the caller.
type Dispatcher struct {
	log     *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(log *zap.Logger, timeout time.Duration) *Dispatcher {
	return &Dispatcher{log: log, timeout: timeout}
}

// Go schedules fn.
func (d *Dispatcher) Go(ctx context.Context, task string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("post-commit task panicked", zap.String("task", task), zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			d.log.Warn("post-commit task failed", zap.String("task", task), zap.Error(err))
		}
	}()
}

// Wait blocks until every scheduled task has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return telemetry.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on the span. Only internal failures mark the span as
// an error; domain outcomes are recorded as an attribute.
func endSpan(span trace.Span, err error) {
	if err != nil {
		kind := apperror.KindOf(err)
		span.SetAttributes(attribute.String("error.kind", string(kind)))
		if kind == apperror.KindInternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// internal wraps an unexpected store failure, passing typed errors through.
func internal(op string, err error) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.Internal(fmt.Errorf("%s: %w", op, err))
}
