package repository

import "errors"

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyUnavailable   = errors.New("key has no free quota or is no longer usable")
	ErrNoReservation    = errors.New("key has no reserved quota")
	ErrDuplicateKey     = errors.New("key value already exists")
	ErrServiceNotFound  = errors.New("service not found")
	ErrProviderNotFound = errors.New("provider account not found")
	ErrOrderNotFound    = errors.New("order not found")
	// ErrOrderStateNotAllowed is returned when a conditional transition finds
	// the order in a status outside the allowed set.
	ErrOrderStateNotAllowed = errors.New("order state not allowed")
)
