package dto

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/spec-kit/triage-service/pkg/util/errorutil"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldMessages holds the client-facing message per field and failed rule.
var fieldMessages = map[string]string{
	"customerName.min":    "Customer name is required.",
	"customerName.max":    "Customer name must not exceed 255 characters.",
	"customerEmail.email": "Invalid email address.",
	"customerEmail.max":   "Email must not exceed 255 characters.",
	"subject.min":         "Subject is required.",
	"subject.max":         "Subject must not exceed 500 characters.",
	"complaint.min":       "Complaint must be at least 10 characters.",
	"complaint.max":       "Complaint must not exceed 10,000 characters.",
	"resolvedReply.min":   "Resolved reply is required.",
	"resolvedReply.max":   "Resolved reply must not exceed 10,000 characters.",
}

// Validate checks a request struct and reports every failing field as a
// VALIDATION_FAILED error.
func Validate(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.NewValidationError("Validation failed.", nil)
	}
	details := make([]apperrors.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, apperrors.FieldError{
			Field:   fe.Field(),
			Message: fieldMessage(fe),
		})
	}
	return apperrors.NewValidationError("Validation failed.", details)
}

func fieldMessage(fe validator.FieldError) string {
	if msg, ok := fieldMessages[fe.Field()+"."+fe.Tag()]; ok {
		return msg
	}
	if fe.Param() != "" {
		return fe.Field() + " failed " + fe.Tag() + "=" + fe.Param()
	}
	return fe.Field() + " failed " + fe.Tag()
}
