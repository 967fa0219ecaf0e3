package validation

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	apperrors "marketchat/pkg/errors"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// Validator returns the shared validator instance. Field names in messages
// come from the json tag so they match what clients send.
func Validator() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			for _, tag := range []string{"json", "query"} {
				name := strings.SplitN(field.Tag.Get(tag), ",", 2)[0]
				if name != "" && name != "-" {
					return name
				}
			}
			return field.Name
		})
		validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	})
	return validate
}

// Struct validates s and converts failures into a VALIDATION_ERROR AppError.
func Struct(s interface{}) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErr validator.ValidationErrors
	if errors.As(err, &validationErr) {
		return apperrors.Validation(Message(validationErr), err)
	}
	return apperrors.Validation("Invalid input data", err)
}

// Message renders the first failing field as a human readable sentence.
func Message(validationErr validator.ValidationErrors) string {
	for _, err := range validationErr {
		field := err.Field()
		param := err.Param()

		switch err.Tag() {
		case "required":
			return field + " is required"
		case "required_if":
			return field + " is required when " + strings.Replace(param, " ", " is ", 1)
		case "min":
			return field + " must be at least " + param
		case "max":
			return field + " must be at most " + param
		case "oneof":
			return field + " must be one of: " + param
		case "notblank":
			return field + " cannot be empty"
		default:
			return field + " is invalid"
		}
	}
	return "Invalid input data"
}
