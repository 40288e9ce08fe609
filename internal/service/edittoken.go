package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sitcon-tw/tickets-sub001/internal/apperror"
	"github.com/sitcon-tw/tickets-sub001/internal/clock"
	"github.com/sitcon-tw/tickets-sub001/internal/formschema"
	"github.com/sitcon-tw/tickets-sub001/internal/model"
	"github.com/sitcon-tw/tickets-sub001/internal/notify"
	"github.com/sitcon-tw/tickets-sub001/internal/repository"
	"github.com/sitcon-tw/tickets-sub001/internal/token"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Identify fields accepted by RequestEdit.
const (
	IdentifyByEmail       = "email"
	IdentifyByOrderNumber = "orderNumber"
	IdentifyByCheckInCode = "checkInCode"
)

// RequestEditInput identifies the registration an edit link is wanted for.
type RequestEditInput struct {
	Email         string
	OrderNumber   string
	IdentifyField string
}

// EditForm is everything the edit page needs.
type EditForm struct {
	Registration *model.Registration
	Fields       []formschema.Field
	Data         map[string]any
}

// Mutation is run while an edit token is being consumed. Returning an
// error rolls the transaction back and leaves the token usable.
type Mutation func(ctx context.Context, reg *model.Registration) error

// EditTokenService issues, verifies and consumes the single-use tokens
// that authorize self-service edits and cancellations.
type EditTokenService struct {
	stores     Stores
	hasher     TokenHasher
	limiter    RateLimiter
	notifier   Notifier
	dispatcher *Dispatcher
	links      Links
	clock      clock.Clock
	ttl        time.Duration
	log        *zap.Logger
}

// NewEditTokenService constructs an EditTokenService.
func NewEditTokenService(
	stores Stores,
	hasher TokenHasher,
	limiter RateLimiter,
	notifier Notifier,
	dispatcher *Dispatcher,
	links Links,
	clk clock.Clock,
	ttl time.Duration,
	log *zap.Logger,
) *EditTokenService {
	return &EditTokenService{
		stores:     stores,
		hasher:     hasher,
		limiter:    limiter,
		notifier:   notifier,
		dispatcher: dispatcher,
		links:      links,
		clock:      clk,
		ttl:        ttl,
		log:        log,
	}
}

// RequestEdit issues a fresh token for the newest matching confirmed
// registration and sends the link to its email. A new token replaces any
// earlier one.
func (s *EditTokenService) RequestEdit(ctx context.Context, in RequestEditInput) (err error) {
	ctx, span := startSpan(ctx, "EditTokenService.RequestEdit")
	defer func() { endSpan(span, err) }()

	email := strings.ToLower(strings.TrimSpace(in.Email))
	if err := validate.Var(email, "required,email"); err != nil {
		return apperror.Field("email", "a valid email is required")
	}

	lookup := repository.EditLookup{Email: email, OrderNumber: strings.TrimSpace(in.OrderNumber)}
	switch in.IdentifyField {
	case "", IdentifyByEmail:
		lookup.OrderNumber = ""
	case IdentifyByOrderNumber:
	case IdentifyByCheckInCode:
		lookup.ByCheckInCode = true
	default:
		return apperror.Field("identifyField", "unknown identify field")
	}

	reg, err := s.stores.Registrations.FindForEdit(ctx, lookup)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperror.NotFound
		}
		return internal("find registration for edit", err)
	}

	allowed, err := s.limiter.Allow(ctx, email)
	if err != nil {
		return internal("rate limit edit request", err)
	}
	if !allowed {
		return apperror.RateLimited
	}

	raw, err := token.Generate()
	if err != nil {
		return internal("generate edit token", err)
	}
	expiresAt := s.clock.Now().Add(s.ttl)
	if err := s.stores.Registrations.SetEditToken(ctx, reg.ID, s.hasher.Hash(raw), expiresAt); err != nil {
		return internal("store edit token", err)
	}

	msg := notify.EditLink{
		RegistrationID: reg.ID,
		Email:          reg.Email,
		Link:           s.links.Edit(raw),
		ExpiresAt:      expiresAt,
	}
	s.dispatcher.Go(ctx, "send_edit_link", func(ctx context.Context) error {
		return s.notifier.SendEditLink(ctx, msg)
	})
	return nil
}

// VerifyToken returns the id of the registration the token belongs to.
// It does not consume the token.
func (s *EditTokenService) VerifyToken(ctx context.Context, raw string) (string, error) {
	reg, err := s.lookup(ctx, raw, false)
	if err != nil {
		return "", err
	}
	return reg.ID, nil
}

// ConsumeToken runs mutation and invalidates the token in one transaction.
// Of several concurrent consumers of the same token at most one succeeds;
// the others get InvalidToken.
func (s *EditTokenService) ConsumeToken(ctx context.Context, raw string, mutation Mutation) error {
	err := s.stores.Tx.WithTx(ctx, func(ctx context.Context) error {
		reg, err := s.lookup(ctx, raw, true)
		if err != nil {
			return err
		}
		if err := mutation(ctx, reg); err != nil {
			return err
		}

		cleared, err := s.stores.Registrations.ClearEditToken(ctx, reg.ID, *reg.EditTokenHash)
		if err != nil {
			return internal("clear edit token", err)
		}
		if !cleared {
			return apperror.InvalidToken
		}
		return nil
	})
	if err != nil {
		return internal("consume edit token", err)
	}
	return nil
}

// EditForm returns the registration, its form schema and current values.
func (s *EditTokenService) EditForm(ctx context.Context, raw string) (*EditForm, error) {
	reg, err := s.lookup(ctx, raw, false)
	if err != nil {
		return nil, err
	}

	fields, err := s.stores.Fields.ListForTicket(ctx, reg.EventID, reg.TicketID)
	if err != nil {
		return nil, internal("load form schema", err)
	}
	data, err := s.stores.Registrations.GetData(ctx, reg.ID)
	if err != nil {
		return nil, internal("load form data", err)
	}
	return &EditForm{Registration: reg, Fields: fields, Data: data}, nil
}

// EditRegistration replaces the registration's form data and consumes the
// token. Invalid data leaves both the data and the token untouched.
func (s *EditTokenService) EditRegistration(ctx context.Context, raw string, formData map[string]any) (err error) {
	ctx, span := startSpan(ctx, "EditTokenService.EditRegistration")
	defer func() { endSpan(span, err) }()

	return s.ConsumeToken(ctx, raw, func(ctx context.Context, reg *model.Registration) error {
		span.SetAttributes(attribute.String("registration.id", reg.ID))

		fields, err := s.stores.Fields.ListForTicket(ctx, reg.EventID, reg.TicketID)
		if err != nil {
			return internal("load form schema", err)
		}
		now := s.clock.Now()
		if errs := formschema.Validate(fields, reg.TicketID, formData, now); !errs.Empty() {
			return apperror.Validation("form data is invalid", errs)
		}
		data := formschema.Clean(fields, reg.TicketID, formData, now)
		if err := s.stores.Registrations.UpsertData(ctx, reg.ID, data); err != nil {
			return internal("update form data", err)
		}
		return nil
	})
}

// lookup resolves a raw token to its confirmed registration.
func (s *EditTokenService) lookup(ctx context.Context, raw string, forUpdate bool) (*model.Registration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperror.InvalidToken
	}

	reg, err := s.stores.Registrations.FindByTokenHash(ctx, s.hasher.Hash(raw), forUpdate)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.InvalidToken
		}
		return nil, internal("find registration by token", err)
	}
	if reg.EditTokenHash == nil || reg.EditTokenExpiry == nil || reg.Status != model.StatusConfirmed {
		return nil, apperror.InvalidToken
	}
	if s.clock.Now().After(*reg.EditTokenExpiry) {
		return nil, apperror.TokenExpired
	}
	return reg, nil
}
