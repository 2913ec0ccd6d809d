package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/skillbridge/api/internal/repositories"
)

var (
	// ErrValidation signals the caller supplied missing or malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPermission indicates the actor may not perform the requested operation.
	ErrPermission = errors.New("permission denied")
	// ErrInvalidTransition indicates the requested status edge is not part of the lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrPaymentProvider wraps failures reported by the payment processor.
	ErrPaymentProvider = errors.New("payment provider error")
	// ErrConsistency flags a settlement that contradicts stored order data.
	ErrConsistency = errors.New("consistency violation")
	// ErrOrderAlreadyPaid indicates the order already carries a completed payment.
	ErrOrderAlreadyPaid = errors.New("order already paid")
	// ErrConflict indicates a concurrent modification won the race.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable indicates the backing store is temporarily unavailable.
	ErrUnavailable = errors.New("service unavailable")
)

// ValidationError lists the offending input fields.
type ValidationError struct {
	Fields map[string]string
}

func newValidationError(fields map[string]string) *ValidationError {
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+e.Fields[key])
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransitionError names an illegal lifecycle edge and the role that attempted it.
type TransitionError struct {
	From string
	To   string
	Role string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s is not permitted for role %q", ErrInvalidTransition, e.From, e.To, e.Role)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// PermissionError explains why the actor was refused.
type PermissionError struct {
	ActorID string
	Reason  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPermission, e.Reason)
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// ProviderError carries the payment processor's message.
type ProviderError struct {
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPaymentProvider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrPaymentProvider }

// ConsistencyError describes why a settlement was refused.
type ConsistencyError struct {
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConsistency, e.Reason)
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }

func mapRepositoryError(err error, notFoundMessage string) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %s", ErrNotFound, notFoundMessage)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}
