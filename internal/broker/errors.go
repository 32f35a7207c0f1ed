package broker

import "errors"

var (
	// ErrAuthFailure means the caller could not be identified. Surface as 401.
	ErrAuthFailure = errors.New("broker: auth failure")
	// ErrStoreFailure means the permission store failed unexpectedly. Surface as 500.
	ErrStoreFailure = errors.New("broker: store failure")

	// ErrNotFound is the store's "does not exist" signal. It selects the create branch
	// and is never surfaced to callers on its own.
	ErrNotFound = errors.New("broker: not found")
	// ErrAlreadyExists is returned by a store when a create collides with an existing id.
	ErrAlreadyExists = errors.New("broker: already exists")
)
