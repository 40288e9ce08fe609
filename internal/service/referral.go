package service

import (
	"context"
	"errors"
	"strings"

	"github.com/sitcon-tw/tickets-sub001/internal/repository"
)

// ReferralResolver maps a referral code to the registration that shared it.
type ReferralResolver struct {
	registrations RegistrationStore
}

// NewReferralResolver constructs a ReferralResolver.
func NewReferralResolver(registrations RegistrationStore) *ReferralResolver {
	return &ReferralResolver{registrations: registrations}
}

// Resolve returns the id of the confirmed registration in eventID whose
// check-in code is code. Only already confirmed registrations resolve, so
// referral chains always point backwards in time.
func (r *ReferralResolver) Resolve(ctx context.Context, code, eventID string) (string, bool, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", false, nil
	}

	id, err := r.registrations.FindConfirmedByReferralCode(ctx, eventID, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", false, nil
		}
		return "", false, internal("resolve referral", err)
	}
	return id, true, nil
}
