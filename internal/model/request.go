package model

import "github.com/sitcon-tw/tickets-sub001/internal/formschema"

// AdmitRequest is the payload for POST /registrations.
type AdmitRequest struct {
	EventID       string         `json:"eventId" validate:"required"`
	TicketID      string         `json:"ticketId" validate:"required"`
	InviteCode    string         `json:"inviteCode,omitempty" validate:"omitempty,max=64"`
	ReferralCode  string         `json:"referralCode,omitempty" validate:"omitempty,max=64"`
	FormData      map[string]any `json:"formData"`
	AgreedToTerms bool           `json:"agreedToTerms"`
}

// AdmitResponse is returned after a successful admission.
type AdmitResponse struct {
	RegistrationID string `json:"registrationId"`
	CheckInCode    string `json:"checkInCode"`
	QRCodeURL      string `json:"qrCodeUrl"`
	ReferralLink   string `json:"referralLink"`
}

// ValidateRequest is the payload for POST /registrations/validate.
type ValidateRequest struct {
	TicketID string         `json:"ticketId" validate:"required"`
	FormData map[string]any `json:"formData"`
}

// ValidateResponse reports the outcome of a dry-run form validation.
type ValidateResponse struct {
	IsValid bool                `json:"isValid"`
	Errors  map[string][]string `json:"errors"`
}

// RequestEditRequest is the payload for POST /registrations/request-edit.
type RequestEditRequest struct {
	Email         string `json:"email" validate:"omitempty,email"`
	OrderNumber   string `json:"orderNumber,omitempty"`
	IdentifyField string `json:"identifyField,omitempty" validate:"omitempty,oneof=email orderNumber checkInCode"`
}

// VerifyEditResponse reports whether an edit token is usable.
type VerifyEditResponse struct {
	IsValid        bool   `json:"isValid"`
	RegistrationID string `json:"registrationId,omitempty"`
	Code           string `json:"code,omitempty"`
}

// EditFormResponse carries everything the edit page needs.
type EditFormResponse struct {
	Registration    *Registration      `json:"registration"`
	FormFields      []formschema.Field `json:"formFields"`
	CurrentFormData map[string]any     `json:"currentFormData"`
}

// EditRequest is the payload for PUT /registrations/edit/{token}.
type EditRequest struct {
	FormData map[string]any `json:"formData" validate:"required"`
}

// CancelRequest is the payload for POST /registrations/cancel/{token}.
type CancelRequest struct {
	Reason    string `json:"reason,omitempty" validate:"omitempty,max=500"`
	Confirmed bool   `json:"confirmed"`
}

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}
