// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sitcon-tw/tickets-sub001/internal/apperror"
	"github.com/sitcon-tw/tickets-sub001/internal/model"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// statusByKind maps failure kinds to HTTP statuses. Unlisted kinds are 500.
var statusByKind = map[apperror.Kind]int{
	apperror.KindValidation:                 http.StatusBadRequest,
	apperror.KindNotFound:                   http.StatusNotFound,
	apperror.KindSoldOut:                    http.StatusConflict,
	apperror.KindAlreadyRegistered:          http.StatusConflict,
	apperror.KindInviteExhausted:            http.StatusConflict,
	apperror.KindNotAvailable:               http.StatusForbidden,
	apperror.KindInvalidInvite:              http.StatusForbidden,
	apperror.KindInviteNotYetValid:          http.StatusForbidden,
	apperror.KindInviteExpired:              http.StatusForbidden,
	apperror.KindCancellationDeadlinePassed: http.StatusForbidden,
	apperror.KindInvalidToken:               http.StatusUnauthorized,
	apperror.KindTokenExpired:               http.StatusUnauthorized,
	apperror.KindRateLimited:                http.StatusTooManyRequests,
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	if status, ok := statusByKind[apperror.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as the standard envelope. Internal causes are
// logged and replaced by a generic message.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	appErr := apperror.As(err)
	status := StatusFor(appErr)
	if status == http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, status, model.ErrorResponse{Error: "internal error", Code: string(apperror.KindInternal)})
		return
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:  appErr.Message,
		Code:   string(appErr.Kind),
		Fields: appErr.Fields,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperror.Validation("invalid request body: "+err.Error(), nil)
	}
	return nil
}

// structValidator reports request DTO problems keyed by JSON field name.
var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateStruct(v any) error {
	err := structValidator.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Internal(err)
	}
	fields := make(map[string][]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = append(fields[fe.Field()], fieldMessage(fe))
	}
	return apperror.Validation("request is invalid", fields)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	}
	return fe.Field() + " is invalid"
}
