package model

import "errors"

var (
	// ErrValidation marks malformed, expired or otherwise unacceptable input.
	ErrValidation = errors.New("validation error")
	// ErrUnauthorized is returned when the caller does not own the resource.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidStateTransition is returned when the entity is in an incompatible state.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrDuplicateOrder is returned alongside the stored order when the same hash was already accepted.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrAlreadyTerminal is returned when cancelling an order that already finished.
	ErrAlreadyTerminal = errors.New("order already terminal")
	// ErrUpstreamFailure wraps chain RPC and price feed failures.
	ErrUpstreamFailure = errors.New("upstream failure")
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("not found")
)
