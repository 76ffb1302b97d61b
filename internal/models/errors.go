package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrWeakPassword        = fmt.Errorf("%w: password does not meet strength policy", ErrValidation)
	ErrComplianceViolation = fmt.Errorf("%w: compliance requirements not met", ErrValidation)
	ErrDuplicateName       = errors.New("name already exists")
	ErrNotFound            = errors.New("not found")
	ErrUnavailable         = errors.New("infrastructure unavailable")

	// Authentication outcomes surfaced to callers.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMFARequired        = errors.New("mfa required")
	ErrAccountLocked      = errors.New("account locked")
	ErrIPBlocked          = errors.New("ip address blocked")
	ErrInvalidToken       = errors.New("invalid token")
	ErrPermissionDenied   = errors.New("permission denied")
)

// Unavailable wraps an infrastructure failure so callers can match it with errors.Is.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
