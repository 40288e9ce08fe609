package service

import (
	"context"
	"errors"
	"strings"

	"github.com/sitcon-tw/tickets-sub001/internal/apperror"
	"github.com/sitcon-tw/tickets-sub001/internal/clock"
	"github.com/sitcon-tw/tickets-sub001/internal/model"
	"github.com/sitcon-tw/tickets-sub001/internal/repository"
)

// GateKeeper checks invitation codes. Redeem only inspects the code; usage
// is consumed by the admission transaction with a guarded update so that
// a code can never be used past its limit.
type GateKeeper struct {
	invites InviteStore
	clock   clock.Clock
}

// NewGateKeeper constructs a GateKeeper.
func NewGateKeeper(invites InviteStore, clk clock.Clock) *GateKeeper {
	return &GateKeeper{invites: invites, clock: clk}
}

// Redeem returns the code bound to ticketID if it can admit one more
// registrant right now.
func (g *GateKeeper) Redeem(ctx context.Context, code, ticketID string) (*model.InvitationCode, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperror.InvalidInvite
	}

	invite, err := g.invites.FindByCode(ctx, ticketID, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.InvalidInvite
		}
		return nil, internal("find invitation code", err)
	}
	if !invite.IsActive {
		return nil, apperror.InvalidInvite
	}

	now := g.clock.Now()
	if invite.ValidFrom != nil && now.Before(*invite.ValidFrom) {
		return nil, apperror.InviteNotYetValid
	}
	if invite.ValidUntil != nil && now.After(*invite.ValidUntil) {
		return nil, apperror.InviteExpired
	}
	if invite.Exhausted() {
		return nil, apperror.InviteExhausted
	}
	return invite, nil
}

// ConsumeUsage records one use of a redeemed code. Call it inside the
// admission transaction.
func (g *GateKeeper) ConsumeUsage(ctx context.Context, inviteID string) error {
	ok, err := g.invites.ConsumeUsage(ctx, inviteID)
	if err != nil {
		return internal("consume invitation usage", err)
	}
	if !ok {
		return apperror.InviteExhausted
	}
	return nil
}
