// Package flow holds the gated user actions: prompt generation and gallery
// browsing. Each action asks the quota facade before it runs and spends the
// unit before any expensive work starts.
package flow

import (
	"errors"
	"fmt"
)

var (
	ErrQuotaLoading      = errors.New("flow: quota is still loading, try again shortly")
	ErrCreditNotDeducted = errors.New("flow: failed to deduct credit, please try again")
	ErrViewLimit         = errors.New("flow: anonymous view limit reached, sign up to browse more prompts")
	ErrSignInRequired    = errors.New("flow: sign in required")
)

// QuotaExhaustedError is returned when the device has nothing left to spend.
type QuotaExhaustedError struct {
	Authenticated bool
}

func (e *QuotaExhaustedError) Error() string {
	if e.Authenticated {
		return "flow: no credits remaining"
	}
	return "flow: free generations used up, sign up to keep generating"
}

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("flow: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
