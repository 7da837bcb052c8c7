package checkout

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadySubscribed is returned when the caller already holds an active pro grant.
	ErrAlreadySubscribed = errors.New("checkout: already subscribed")
	// ErrMissingContact is returned when the caller has no verified email address.
	ErrMissingContact = errors.New("checkout: verified email required")
	// ErrUserNotFound is returned when the authenticated user has no account row.
	ErrUserNotFound = errors.New("checkout: user not found")
	// ErrUnknownPlan is returned when the provider has no mapping for the plan.
	ErrUnknownPlan = errors.New("checkout: unknown plan")

	ErrProvider = errors.New("checkout: payment provider failure")
	ErrStorage  = errors.New("checkout: storage failure")

	errMissingSessionID = errors.New("missing session id in response")
)

// ProviderError wraps a failed provider call. Message is safe to log but is
// not returned to clients.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("checkout: %s create session: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() []error { return []error{ErrProvider, e.Err} }

// StorageError wraps a non-recoverable persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("checkout: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }
