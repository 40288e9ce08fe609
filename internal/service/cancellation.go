package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sitcon-tw/tickets-sub001/internal/apperror"
	"github.com/sitcon-tw/tickets-sub001/internal/clock"
	"github.com/sitcon-tw/tickets-sub001/internal/model"
	"github.com/sitcon-tw/tickets-sub001/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CancellationService cancels registrations through an edit token.
type CancellationService struct {
	stores   Stores
	tokens   *EditTokenService
	clock    clock.Clock
	blackout time.Duration
	log      *zap.Logger
}

// NewCancellationService constructs a CancellationService. Cancellation is
// refused once the event starts within blackout.
func NewCancellationService(
	stores Stores,
	tokens *EditTokenService,
	clk clock.Clock,
	blackout time.Duration,
	log *zap.Logger,
) *CancellationService {
	return &CancellationService{stores: stores, tokens: tokens, clock: clk, blackout: blackout, log: log}
}

// Cancel consumes the token, marks the registration cancelled and returns
// its ticket unit to inventory. Invitation usage is not returned.
func (s *CancellationService) Cancel(ctx context.Context, raw, reason string) (err error) {
	ctx, span := startSpan(ctx, "CancellationService.Cancel")
	defer func() { endSpan(span, err) }()

	var cancelled *model.Registration
	err = s.tokens.ConsumeToken(ctx, raw, func(ctx context.Context, reg *model.Registration) error {
		span.SetAttributes(attribute.String("registration.id", reg.ID))

		event, err := s.stores.Events.GetByID(ctx, reg.EventID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return apperror.NotFound
			}
			return internal("get event", err)
		}
		now := s.clock.Now()
		if event.StartDate.Sub(now) < s.blackout {
			return apperror.CancellationDeadlinePassed
		}

		var why *string
		if r := strings.TrimSpace(reason); r != "" {
			why = &r
		}
		ok, err := s.stores.Registrations.MarkCancelled(ctx, reg.ID, why, now)
		if err != nil {
			return internal("mark registration cancelled", err)
		}
		if !ok {
			return apperror.InvalidToken
		}

		released, err := s.stores.Tickets.ReleaseUnit(ctx, reg.TicketID)
		if err != nil {
			return internal("release ticket unit", err)
		}
		if !released {
			s.log.Warn("cancelled registration had no sold unit to release",
				zap.String("registration_id", reg.ID),
				zap.String("ticket_id", reg.TicketID),
			)
		}
		cancelled = reg
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("registration cancelled",
		zap.String("registration_id", cancelled.ID),
		zap.String("ticket_id", cancelled.TicketID),
	)
	return nil
}
