package model

import "errors"

var (
	// ErrOwnerRequired is returned when a session creation request is
	// missing the owner identity.
	ErrOwnerRequired = errors.New("owner is required")

	// ErrSpawn is returned when the shell process could not be started.
	ErrSpawn = errors.New("failed to spawn process")

	// ErrResourceLimit is returned when the per-owner session cap is reached.
	ErrResourceLimit = errors.New("session limit exceeded")

	// ErrNotFound is returned when a session does not exist or has
	// already terminated.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyBound is returned when another live transport is bound
	// to the session.
	ErrAlreadyBound = errors.New("session already has a bound transport")

	// ErrTerminated is returned when an operation targets a session that
	// has reached its terminal state.
	ErrTerminated = errors.New("session terminated")
)
