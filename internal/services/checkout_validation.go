package services

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	domain "github.com/threadline/storefront/internal/domain"
)

var buyerValidator = newBuyerValidator()

func newBuyerValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateBuyerDetails reports one message per missing or malformed field.
func ValidateBuyerDetails(details domain.BuyerDetails) error {
	err := buyerValidator.Struct(details)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			fields[fe.Field()] = "is required"
		case "email":
			fields[fe.Field()] = "must be a valid email address"
		default:
			fields[fe.Field()] = "is invalid"
		}
	}
	return &ValidationError{Fields: fields}
}

func trimBuyerDetails(details domain.BuyerDetails) domain.BuyerDetails {
	return domain.BuyerDetails{
		FullName: strings.TrimSpace(details.FullName),
		Phone:    strings.TrimSpace(details.Phone),
		Email:    strings.TrimSpace(details.Email),
		Address:  strings.TrimSpace(details.Address),
	}
}
