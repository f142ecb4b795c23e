package domain

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateOutgoing checks a message before it is written to the transport.
// Whitespace-only content counts as empty.
func ValidateOutgoing(m Message) error {
	m.Content = strings.TrimSpace(m.Content)
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// Credentials is the login form submitted to the REST API.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Registration is the sign-up form submitted to the REST API.
type Registration struct {
	Username string `json:"username" validate:"required,min=3,max=30"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	OTP      string `json:"otp,omitempty"`
}

// Validate checks any of the form structs above.
func Validate(v any) error {
	return validate.Struct(v)
}
