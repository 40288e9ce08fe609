package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sitcon-tw/tickets-sub001/internal/apperror"
	"github.com/sitcon-tw/tickets-sub001/internal/formschema"
	"github.com/sitcon-tw/tickets-sub001/internal/model"
	"github.com/sitcon-tw/tickets-sub001/internal/service"
	"go.uber.org/zap"
)

// Admitter admits registrants and dry-runs form validation.
type Admitter interface {
	Admit(ctx context.Context, in service.AdmitInput) (*service.AdmitResult, error)
	ValidateForm(ctx context.Context, ticketID string, formData map[string]any) (*service.FormValidation, error)
}

// EditTokens issues and consumes self-service edit tokens.
type EditTokens interface {
	RequestEdit(ctx context.Context, in service.RequestEditInput) error
	VerifyToken(ctx context.Context, raw string) (string, error)
	EditForm(ctx context.Context, raw string) (*service.EditForm, error)
	EditRegistration(ctx context.Context, raw string, formData map[string]any) error
}

// Canceller cancels registrations.
type Canceller interface {
	Cancel(ctx context.Context, raw, reason string) error
}

// RegistrationHandler holds the HTTP handlers for the registration API.
type RegistrationHandler struct {
	admission    Admitter
	tokens       EditTokens
	cancellation Canceller
	identity     IdentityProvider
	log          *zap.Logger
}

// NewRegistrationHandler constructs a RegistrationHandler.
func NewRegistrationHandler(
	admission Admitter,
	tokens EditTokens,
	cancellation Canceller,
	identity IdentityProvider,
	log *zap.Logger,
) *RegistrationHandler {
	return &RegistrationHandler{
		admission:    admission,
		tokens:       tokens,
		cancellation: cancellation,
		identity:     identity,
		log:          log,
	}
}

// Routes mounts the registration endpoints.
func (h *RegistrationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Admit)
	r.Post("/validate", h.Validate)
	r.Post("/request-edit", h.RequestEdit)
	r.Get("/verify-edit", h.VerifyEdit)
	r.Get("/edit/{token}", h.GetEditForm)
	r.Put("/edit/{token}", h.Edit)
	r.Post("/cancel/{token}", h.Cancel)
	return r
}

// Admit handles POST /registrations
func (h *RegistrationHandler) Admit(w http.ResponseWriter, r *http.Request) {
	var req model.AdmitRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	res, err := h.admission.Admit(r.Context(), service.AdmitInput{
		EventID:       req.EventID,
		TicketID:      req.TicketID,
		Email:         h.identity.Email(r),
		InviteCode:    req.InviteCode,
		ReferralCode:  req.ReferralCode,
		FormData:      req.FormData,
		AgreedToTerms: req.AgreedToTerms,
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, model.AdmitResponse{
		RegistrationID: res.RegistrationID,
		CheckInCode:    res.CheckInCode,
		QRCodeURL:      res.QRCodeURL,
		ReferralLink:   res.ReferralLink,
	})
}

// Validate handles POST /registrations/validate
func (h *RegistrationHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req model.ValidateRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	res, err := h.admission.ValidateForm(r.Context(), req.TicketID, req.FormData)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	errs := res.Errors
	if errs == nil {
		errs = formschema.Errors{}
	}
	writeJSON(w, http.StatusOK, model.ValidateResponse{IsValid: res.IsValid, Errors: errs})
}

// RequestEdit handles POST /registrations/request-edit
// A signed-in caller may only request links for their own email.
func (h *RegistrationHandler) RequestEdit(w http.ResponseWriter, r *http.Request) {
	var req model.RequestEditRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if verified := h.identity.Email(r); verified != "" {
		if email != "" && email != verified {
			writeError(w, r, h.log, apperror.Field("email", "email does not match the signed-in account"))
			return
		}
		email = verified
	}

	err := h.tokens.RequestEdit(r.Context(), service.RequestEditInput{
		Email:         email,
		OrderNumber:   req.OrderNumber,
		IdentifyField: req.IdentifyField,
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, model.MessageResponse{Message: "edit link sent"})
}

// VerifyEdit handles GET /registrations/verify-edit?token=
// An unusable token is a normal answer, not an error.
func (h *RegistrationHandler) VerifyEdit(w http.ResponseWriter, r *http.Request) {
	id, err := h.tokens.VerifyToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		switch apperror.KindOf(err) {
		case apperror.KindInvalidToken, apperror.KindTokenExpired:
			writeJSON(w, http.StatusOK, model.VerifyEditResponse{IsValid: false, Code: string(apperror.KindOf(err))})
		default:
			writeError(w, r, h.log, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, model.VerifyEditResponse{IsValid: true, RegistrationID: id})
}

// GetEditForm handles GET /registrations/edit/{token}
func (h *RegistrationHandler) GetEditForm(w http.ResponseWriter, r *http.Request) {
	form, err := h.tokens.EditForm(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	fields := form.Fields
	if fields == nil {
		fields = []formschema.Field{}
	}
	data := form.Data
	if data == nil {
		data = map[string]any{}
	}
	writeJSON(w, http.StatusOK, model.EditFormResponse{
		Registration:    form.Registration,
		FormFields:      fields,
		CurrentFormData: data,
	})
}

// Edit handles PUT /registrations/edit/{token}
func (h *RegistrationHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req model.EditRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	if err := h.tokens.EditRegistration(r.Context(), chi.URLParam(r, "token"), req.FormData); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, model.MessageResponse{Message: "registration updated"})
}

// Cancel handles POST /registrations/cancel/{token}
func (h *RegistrationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req model.CancelRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if !req.Confirmed {
		writeError(w, r, h.log, apperror.Field("confirmed", "cancellation must be confirmed"))
		return
	}

	if err := h.cancellation.Cancel(r.Context(), chi.URLParam(r, "token"), req.Reason); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, model.MessageResponse{Message: "registration cancelled"})
}

func (h *RegistrationHandler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil {
		return err
	}
	return validateStruct(dst)
}
