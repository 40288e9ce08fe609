package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
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

const (
	// commitAttempts bounds how often admission is retried after the
	// generated check-in code lost a race to another registration.
	commitAttempts = 3
	// codeAttempts bounds the search for an unused check-in code.
	codeAttempts = 5
)

// AdmitInput is a registration submission.
type AdmitInput struct {
	EventID       string
	TicketID      string
	Email         string // Verified caller email; falls back to formData["email"]
	InviteCode    string
	ReferralCode  string
	FormData      map[string]any
	AgreedToTerms bool
}

// AdmitResult describes a committed registration.
type AdmitResult struct {
	RegistrationID string
	CheckInCode    string
	QRCodeURL      string
	ReferralLink   string
}

// FormValidation is the outcome of a dry-run form check.
type FormValidation struct {
	IsValid bool
	Errors  formschema.Errors
}

// AdmissionService admits registrants into tickets.
type AdmissionService struct {
	stores         Stores
	gate           *GateKeeper
	referrals      *ReferralResolver
	notifier       Notifier
	dispatcher     *Dispatcher
	links          Links
	clock          clock.Clock
	strictReferral bool
	log            *zap.Logger

	newCode func() (string, error)
}

// NewAdmissionService constructs an AdmissionService.
func NewAdmissionService(
	stores Stores,
	notifier Notifier,
	dispatcher *Dispatcher,
	links Links,
	clk clock.Clock,
	strictReferral bool,
	log *zap.Logger,
) *AdmissionService {
	return &AdmissionService{
		stores:         stores,
		gate:           NewGateKeeper(stores.Invites, clk),
		referrals:      NewReferralResolver(stores.Registrations),
		notifier:       notifier,
		dispatcher:     dispatcher,
		links:          links,
		clock:          clk,
		strictReferral: strictReferral,
		log:            log,
		newCode:        token.GenerateCheckInCode,
	}
}

// Admit validates a submission and, in one transaction, takes a unit of
// inventory, consumes the invitation code if any and records the
// registration with its form data. Either all of it happens or none.
func (s *AdmissionService) Admit(ctx context.Context, in AdmitInput) (res *AdmitResult, err error) {
	ctx, span := startSpan(ctx, "AdmissionService.Admit",
		attribute.String("event.id", in.EventID),
		attribute.String("ticket.id", in.TicketID),
	)
	defer func() { endSpan(span, err) }()

	event, ticket, err := s.loadOnSale(ctx, in.EventID, in.TicketID)
	if err != nil {
		return nil, err
	}

	if !in.AgreedToTerms {
		return nil, apperror.Field("agreedToTerms", "terms must be accepted")
	}
	email := registrantEmail(in)
	if err := validate.Var(email, "required,email"); err != nil {
		return nil, apperror.Field("email", "a valid email is required")
	}

	var invite *model.InvitationCode
	if in.InviteCode != "" || ticket.RequireInviteCode {
		invite, err = s.gate.Redeem(ctx, in.InviteCode, ticket.ID)
		if err != nil {
			return nil, err
		}
	}

	var referredBy *string
	if in.ReferralCode != "" {
		id, ok, err := s.referrals.Resolve(ctx, in.ReferralCode, event.ID)
		if err != nil {
			return nil, err
		}
		switch {
		case ok:
			referredBy = &id
		case s.strictReferral:
			return nil, apperror.Field("referralCode", "referral code is invalid")
		}
	}

	exists, err := s.stores.Registrations.ExistsActive(ctx, event.ID, email)
	if err != nil {
		return nil, internal("check existing registration", err)
	}
	if exists {
		return nil, apperror.AlreadyRegistered
	}

	fields, err := s.stores.Fields.ListForTicket(ctx, event.ID, ticket.ID)
	if err != nil {
		return nil, internal("load form schema", err)
	}
	now := s.clock.Now()
	if errs := formschema.Validate(fields, ticket.ID, in.FormData, now); !errs.Empty() {
		return nil, apperror.Validation("form data is invalid", errs)
	}
	data := formschema.Clean(fields, ticket.ID, in.FormData, now)

	reg := &model.Registration{
		ID:         uuid.NewString(),
		EventID:    event.ID,
		TicketID:   ticket.ID,
		Email:      email,
		Status:     model.StatusConfirmed,
		ReferredBy: referredBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if invite != nil {
		reg.InvitationCodeID = &invite.ID
	}

	for attempt := 1; ; attempt++ {
		if reg.ReferralCode, err = s.unusedCode(ctx); err != nil {
			return nil, err
		}
		err = s.stores.Tx.WithTx(ctx, func(ctx context.Context) error {
			return s.commit(ctx, reg, invite, data)
		})
		if errors.Is(err, repository.ErrCodeTaken) && attempt < commitAttempts {
			s.log.Info("check-in code collision, retrying admission", zap.Int("attempt", attempt))
			continue
		}
		break
	}
	if err != nil {
		return nil, internal("commit registration", err)
	}

	res = &AdmitResult{
		RegistrationID: reg.ID,
		CheckInCode:    reg.CheckInCode(),
		QRCodeURL:      s.links.QRCode(reg.CheckInCode()),
		ReferralLink:   s.links.Referral(event.ID, reg.CheckInCode()),
	}

	msg := notify.Confirmation{
		RegistrationID: reg.ID,
		EventID:        event.ID,
		EventName:      event.Name,
		TicketName:     ticket.Name,
		Email:          email,
		CheckInCode:    res.CheckInCode,
		QRCodeURL:      res.QRCodeURL,
		ReferralLink:   res.ReferralLink,
	}
	s.dispatcher.Go(ctx, "send_confirmation", func(ctx context.Context) error {
		return s.notifier.SendConfirmation(ctx, msg)
	})

	s.log.Info("registration admitted",
		zap.String("registration_id", reg.ID),
		zap.String("event_id", event.ID),
		zap.String("ticket_id", ticket.ID),
		zap.Bool("invited", invite != nil),
		zap.Bool("referred", referredBy != nil),
	)
	return res, nil
}

func (s *AdmissionService) commit(ctx context.Context, reg *model.Registration, invite *model.InvitationCode, data map[string]any) error {
	ok, err := s.stores.Tickets.ReserveUnit(ctx, reg.TicketID)
	if err != nil {
		return internal("reserve ticket unit", err)
	}
	if !ok {
		return apperror.SoldOut
	}

	if invite != nil {
		if err := s.gate.ConsumeUsage(ctx, invite.ID); err != nil {
			return err
		}
	}

	if err := s.stores.Registrations.Create(ctx, reg, data); err != nil {
		switch {
		case errors.Is(err, repository.ErrAlreadyRegistered):
			return apperror.AlreadyRegistered
		case errors.Is(err, repository.ErrCodeTaken):
			return err
		}
		return internal("insert registration", err)
	}
	return nil
}

// unusedCode draws check-in codes until one is not taken yet. The unique
// index still has the final word at insert time.
func (s *AdmissionService) unusedCode(ctx context.Context) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code, err := s.newCode()
		if err != nil {
			return "", internal("generate check-in code", err)
		}
		taken, err := s.stores.Registrations.ReferralCodeExists(ctx, code)
		if err != nil {
			return "", internal("check check-in code", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", apperror.Internal(errors.New("no unused check-in code found"))
}

// ValidateForm checks form data against the ticket's schema without
// admitting anyone.
func (s *AdmissionService) ValidateForm(ctx context.Context, ticketID string, formData map[string]any) (*FormValidation, error) {
	ticket, err := s.stores.Tickets.GetByID(ctx, ticketID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.NotFound
		}
		return nil, internal("get ticket", err)
	}
	if !ticket.IsActive {
		return nil, apperror.NotFound
	}

	fields, err := s.stores.Fields.ListForTicket(ctx, ticket.EventID, ticket.ID)
	if err != nil {
		return nil, internal("load form schema", err)
	}
	errs := formschema.Validate(fields, ticket.ID, formData, s.clock.Now())
	return &FormValidation{IsValid: errs.Empty(), Errors: errs}, nil
}

func (s *AdmissionService) loadOnSale(ctx context.Context, eventID, ticketID string) (*model.Event, *model.Ticket, error) {
	event, err := s.stores.Events.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, apperror.NotFound
		}
		return nil, nil, internal("get event", err)
	}
	if !event.IsActive {
		return nil, nil, apperror.NotFound
	}

	ticket, err := s.stores.Tickets.GetByID(ctx, ticketID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, apperror.NotFound
		}
		return nil, nil, internal("get ticket", err)
	}
	if !ticket.IsActive || ticket.EventID != event.ID {
		return nil, nil, apperror.NotFound
	}
	if !ticket.OnSale(s.clock.Now()) {
		return nil, nil, apperror.NotAvailable
	}
	return event, ticket, nil
}

func registrantEmail(in AdmitInput) string {
	email := in.Email
	if email == "" {
		email, _ = in.FormData["email"].(string)
	}
	return strings.ToLower(strings.TrimSpace(email))
}
