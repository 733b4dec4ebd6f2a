package beeps

import "errors"

// Common sentinel errors for the beeps package.
var (
	// ErrUnknownPing is returned when tagging an instant that is not in
	// the ping set.
	ErrUnknownPing = errors.New("no ping at that instant")

	// ErrInvalidRate is returned for a non-positive minutes-per-ping.
	ErrInvalidRate = errors.New("minutes per ping must be at least 1")

	// ErrAuth is returned for missing, invalid, or expired credentials.
	ErrAuth = errors.New("unauthorized")

	// ErrBadRequest is returned for malformed operations or requests.
	ErrBadRequest = errors.New("bad request")

	// ErrEmailTaken is returned when registering an email that exists.
	ErrEmailTaken = errors.New("email already registered")

	// ErrRegistrationDisabled is returned when the server does not accept
	// new registrations.
	ErrRegistrationDisabled = errors.New("registration is disabled")

	// ErrServer is returned when the sync server reports a 5xx; the caller
	// should retry with the same body.
	ErrServer = errors.New("server error")

	// ErrClosed names an operation on a closed store. Store and Replica
	// methods do not return it; a closed Store reports the database/sql
	// error instead.
	ErrClosed = errors.New("store is closed")
)
