// Package model defines the core domain types for the event admission system.
package model

import "time"

// Event is a scheduled event that owns one or more tickets.
// Events are managed by the admin tooling and are read-only here.
type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	IsActive  bool      `json:"isActive"`
}

// Ticket is a capacity-limited admission type belonging to one event.
type Ticket struct {
	ID                string     `json:"id"`
	EventID           string     `json:"eventId"`
	Name              string     `json:"name"`
	Quantity          int        `json:"quantity"`
	SoldCount         int        `json:"soldCount"`
	SaleStart         *time.Time `json:"saleStart,omitempty"`
	SaleEnd           *time.Time `json:"saleEnd,omitempty"`
	RequireInviteCode bool       `json:"requireInviteCode"`
	IsActive          bool       `json:"isActive"`
}

// Remaining returns the number of units still available.
func (t *Ticket) Remaining() int {
	return t.Quantity - t.SoldCount
}

// OnSale reports whether now falls inside the ticket's sale window.
// Absent bounds are unbounded.
func (t *Ticket) OnSale(now time.Time) bool {
	if t.SaleStart != nil && now.Before(*t.SaleStart) {
		return false
	}
	if t.SaleEnd != nil && now.After(*t.SaleEnd) {
		return false
	}
	return true
}

// InvitationCode gates admission to a ticket.
type InvitationCode struct {
	ID         string     `json:"id"`
	TicketID   string     `json:"ticketId"`
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	UsageLimit *int       `json:"usageLimit,omitempty"`
	UsedCount  int        `json:"usedCount"`
	ValidFrom  *time.Time `json:"validFrom,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`
	IsActive   bool       `json:"isActive"`
}

// Exhausted reports whether the code has no usage left.
func (c *InvitationCode) Exhausted() bool {
	return c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit
}

// RegistrationStatus is the lifecycle state of a registration.
type RegistrationStatus string

const (
	StatusPending   RegistrationStatus = "pending"
	StatusConfirmed RegistrationStatus = "confirmed"
	StatusCancelled RegistrationStatus = "cancelled"
)

// Registration is a participant's admission to an event through a ticket.
// Cancellation is a terminal status, rows are never deleted.
type Registration struct {
	ID                 string             `json:"id"`
	EventID            string             `json:"eventId"`
	TicketID           string             `json:"ticketId"`
	Email              string             `json:"email"`
	Status             RegistrationStatus `json:"status"`
	ReferralCode       string             `json:"referralCode"`
	ReferredBy         *string            `json:"referredBy,omitempty"`
	InvitationCodeID   *string            `json:"invitationCodeId,omitempty"`
	EditTokenHash      *string            `json:"-"`
	EditTokenExpiry    *time.Time         `json:"-"`
	CancellationReason *string            `json:"cancellationReason,omitempty"`
	CancelledAt        *time.Time         `json:"cancelledAt,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// CheckInCode is the code shown at the venue and used in referral links.
func (r *Registration) CheckInCode() string {
	return r.ReferralCode
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error  string              `json:"error"`
	Code   string              `json:"code"`
	Fields map[string][]string `json:"fields,omitempty"`
}
