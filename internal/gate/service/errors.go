package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotFound     = errors.New("credential not found")
	ErrAlreadyUsed  = errors.New("credential already used")
	ErrExpired      = errors.New("credential expired")
	ErrNotYetActive = errors.New("credential not yet active")
	ErrConflict     = errors.New("a live credential already exists for this request and direction")
	ErrValidation   = errors.New("validation failed")

	ErrRequestNotFound = errors.New("request not found")
	ErrUnknownTerminal = errors.New("unknown terminal")
)

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// fromValidator turns the first failed struct tag into a ValidationError.
func fromValidator(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := ve[0]
	field := toSnake(fe.Field())
	switch fe.Tag() {
	case "required":
		return invalid(field, "is required")
	case "oneof":
		return invalid(field, fmt.Sprintf("must be one of [%s]", fe.Param()))
	case "gtfield":
		return invalid(field, "must be after "+toSnake(fe.Param()))
	case "max":
		return invalid(field, "must be at most "+fe.Param()+" characters")
	default:
		return invalid(field, "failed "+fe.Tag())
	}
}

// IsSecurityAlert reports whether err indicates a possible credential reuse
// or replay and should be raised to the operator as an alert.
func IsSecurityAlert(err error) bool {
	return errors.Is(err, ErrAlreadyUsed) || errors.Is(err, ErrExpired)
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
