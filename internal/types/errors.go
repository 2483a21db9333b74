package types

import (
	"errors"
	"fmt"
)

// Stable error kinds. Callers classify with errors.Is; the HTTP layer
// maps them onto the four user-visible failure modes.
var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrPoolExhausted        = errors.New("tier id pool exhausted")
	ErrProvidersExhausted   = errors.New("all providers exhausted")
	ErrConstitutionMismatch = errors.New("constitution version mismatch")
	ErrCriticRejection      = errors.New("critic rejection")
	ErrEscalationRequired   = errors.New("escalation required")
	ErrInvariantViolation   = errors.New("invariant violation")
	ErrNotFound             = errors.New("not found")
)

// PermissionError wraps ErrPermissionDenied with the hint the caller
// needs: which capability failed and the minimum tier that holds it.
type PermissionError struct {
	ActorTierID  string
	Capability   Capability
	RequiredTier Tier
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s lacks %s (requires tier %s or above)",
		e.ActorTierID, e.Capability, e.RequiredTier)
}

func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }

// NewPermissionError builds a PermissionError with the minimum-tier
// hint resolved from the capability table.
func NewPermissionError(actorTierID string, cap Capability) *PermissionError {
	min, _ := MinimumTier(cap)
	return &PermissionError{ActorTierID: actorTierID, Capability: cap, RequiredTier: min}
}

// InvariantError wraps ErrInvariantViolation with the broken rule.
type InvariantError struct {
	Rule   string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation [%s]: %s", e.Rule, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// FailureMode is the stable user-visible classification of an error.
type FailureMode string

const (
	FailurePermissionDenied    FailureMode = "permission_denied"
	FailureResourceUnavailable FailureMode = "resource_unavailable"
	FailureValidationFailed    FailureMode = "validation_failed"
	FailureInternal            FailureMode = "internal"
)

// Classify maps any error onto its user-visible failure mode. Provider
// internals and secrets never leak through this path.
func Classify(err error) FailureMode {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return FailurePermissionDenied
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrProvidersExhausted):
		return FailureResourceUnavailable
	case errors.Is(err, ErrCriticRejection), errors.Is(err, ErrConstitutionMismatch),
		errors.Is(err, ErrInvariantViolation), errors.Is(err, ErrNotFound):
		return FailureValidationFailed
	default:
		return FailureInternal
	}
}
