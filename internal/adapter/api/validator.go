package api

import (
	"marketchat/pkg/validation"
)

// CustomValidator plugs the shared validator into echo's c.Validate.
type CustomValidator struct{}

func NewValidator() *CustomValidator {
	return &CustomValidator{}
}

func (cv *CustomValidator) Validate(i interface{}) error {
	return validation.Struct(i)
}
