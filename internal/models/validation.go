package models

import (
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/Enucatl/send-bills/internal/reference"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator with the banking tags registered
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("iban", func(fl validator.FieldLevel) bool {
			return reference.ValidIBAN(fl.Field().String())
		})
		_ = validate.RegisterValidation("qriban", func(fl validator.FieldLevel) bool {
			return reference.IsQRIBAN(fl.Field().String())
		})
	})
	return validate
}

// ValidationErrors maps each failing field to the tag it failed
func ValidationErrors(err error) map[string]string {
	out := make(map[string]string)
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return out
	}
	for _, ve := range verrs {
		out[ve.Field()] = ve.Tag()
	}
	return out
}

// Validate checks v against its validate tags and returns a validation
// AppError naming every failing field.
func Validate(v interface{}) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}

	fields := ValidationErrors(err)
	if len(fields) == 0 {
		return apperrors.InternalError("validate", err)
	}

	names := make([]string, 0, len(fields))
	code := apperrors.CodeMalformedInput
	for name, tag := range fields {
		names = append(names, name)
		switch tag {
		case "iban", "qriban":
			code = apperrors.CodeInvalidIBAN
		case "required":
			if code == apperrors.CodeMalformedInput {
				code = apperrors.CodeMissingField
			}
		}
	}
	sort.Strings(names)

	appErr := apperrors.ValidationFailure(code, strings.Join(names, ","), nil, err)
	for name, tag := range fields {
		appErr = appErr.WithContext("field."+name, tag)
	}
	return appErr
}

// ValidateCreditor also enforces that the QR-IBAN and IBAN differ
func ValidateCreditor(c *Creditor) error {
	if err := Validate(c); err != nil {
		return err
	}
	if c.QRIBAN != "" && reference.Normalize(c.QRIBAN) == reference.Normalize(c.IBAN) {
		return apperrors.ValidationFailure(apperrors.CodeInvalidIBAN, "QRIBAN", c.QRIBAN, nil).
			WithSuggestion("The QR-IBAN must be a separate account from the IBAN")
	}
	return nil
}

// ValidateTemplate checks the template fields and its frequency rule
func ValidateTemplate(t *RecurringTemplate) error {
	if err := Validate(t); err != nil {
		return err
	}
	if !t.Amount.IsPositive() {
		return apperrors.ValidationFailure(apperrors.CodeInvalidAmount, "Amount", t.Amount.String(), nil)
	}
	return t.Frequency.Validate()
}
