package service

import (
	"context"
	"testing"
	"time"

	"github.com/sitcon-tw/tickets-sub001/internal/apperror"
	"github.com/sitcon-tw/tickets-sub001/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancel_ReleasesUnit(t *testing.T) {
	f := newFixture(t)
	res := f.admitGeneral(t, "kim@example.com")
	raw := f.requestToken(t, "kim@example.com")
	require.Equal(t, 1, f.store.ticket(generalTicket).SoldCount)

	require.NoError(t, f.cancellation.Cancel(context.Background(), raw, "  cannot attend  "))

	reg := f.store.registration(res.RegistrationID)
	assert.Equal(t, model.StatusCancelled, reg.Status)
	require.NotNil(t, reg.CancellationReason)
	assert.Equal(t, "cannot attend", *reg.CancellationReason)
	require.NotNil(t, reg.CancelledAt)
	assert.Equal(t, baseTime, *reg.CancelledAt)
	assert.Nil(t, reg.EditTokenHash)
	assert.Equal(t, 0, f.store.ticket(generalTicket).SoldCount)

	err := f.cancellation.Cancel(context.Background(), raw, "")
	assert.ErrorIs(t, err, apperror.InvalidToken)
	assert.Equal(t, 0, f.store.ticket(generalTicket).SoldCount)
}

func TestCancel_KeepsInviteUsage(t *testing.T) {
	f := newFixture(t)
	f.addInvite("inv-1", "SPEAKER", intPtr(1))

	in := generalInput("lou@example.com")
	in.TicketID, in.InviteCode = inviteTicket, "SPEAKER"
	in.FormData["affiliation"] = "SITCON"
	_, err := f.admission.Admit(context.Background(), in)
	require.NoError(t, err)

	raw := f.requestToken(t, "lou@example.com")
	require.NoError(t, f.cancellation.Cancel(context.Background(), raw, ""))

	assert.Equal(t, 1, f.store.invite("inv-1").UsedCount)
	assert.Equal(t, 0, f.store.ticket(inviteTicket).SoldCount)
}

func TestCancel_Blackout(t *testing.T) {
	f := newFixture(t)
	res := f.admitGeneral(t, "max@example.com")

	// Event starts 31 days after baseTime; 71h before start is inside the
	// 72h blackout.
	f.clock.Set(baseTime.Add(31*24*time.Hour - 71*time.Hour))
	raw := f.requestToken(t, "max@example.com")

	err := f.cancellation.Cancel(context.Background(), raw, "")
	assert.ErrorIs(t, err, apperror.CancellationDeadlinePassed)

	assert.Equal(t, 1, f.store.ticket(generalTicket).SoldCount)
	assert.Equal(t, model.StatusConfirmed, f.store.registration(res.RegistrationID).Status)
	_, err = f.tokens.VerifyToken(context.Background(), raw)
	assert.NoError(t, err, "a refused cancellation leaves the token usable")
}

func TestCancel_JustOutsideBlackout(t *testing.T) {
	f := newFixture(t)
	f.admitGeneral(t, "ned@example.com")

	f.clock.Set(baseTime.Add(31*24*time.Hour - 72*time.Hour))
	raw := f.requestToken(t, "ned@example.com")

	require.NoError(t, f.cancellation.Cancel(context.Background(), raw, ""))
	assert.Equal(t, 0, f.store.ticket(generalTicket).SoldCount)
}
