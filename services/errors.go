package services

import "errors"

// Error taxonomy surfaced by the services. Handlers map these onto HTTP
// statuses; everything else is treated as a datastore/infrastructure failure
// and surfaced as a 5xx.
var (
	// ErrBadSignature: webhook signature did not verify. 4xx, never retried.
	ErrBadSignature = errors.New("webhook signature verification failed")

	// ErrDuplicateEvent: the event id was already claimed in the ledger. Not a
	// failure — the caller must still acknowledge with a 200 so the gateway
	// stops redelivering.
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrNotFound: referenced challenge/transaction absent or not owned by the
	// caller.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidTransition: the entity's current status does not allow the
	// requested transition.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyPaid: the challenge already has a non-terminal payment attempt.
	ErrAlreadyPaid = errors.New("challenge already has an open payment attempt")

	// ErrAmountOutOfRange: stake outside the configured payment bounds.
	ErrAmountOutOfRange = errors.New("amount outside allowed payment bounds")
)
