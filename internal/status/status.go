package status

import "errors"

var (
	ErrMalformedEnvelope = errors.New("envelope: malformed envelope")
	ErrSignatureMismatch = errors.New("envelope: signature mismatch")
	ErrIntegrityAnomaly  = errors.New("ticket: embedded id does not match stored id")

	ErrTicketNotFound  = errors.New("ticket: ticket not found")
	ErrWrongEvent      = errors.New("ticket: ticket belongs to another event")
	ErrTicketExpired   = errors.New("ticket: ticket expired")
	ErrTicketCancelled = errors.New("ticket: ticket cancelled")
	ErrAlreadyUsed     = errors.New("ticket: ticket already used")

	ErrInventoryInsufficient = errors.New("inventory: insufficient tickets available")
	ErrIssuanceIncomplete    = errors.New("issuance: not every ticket was issued")

	ErrNotOwner = errors.New("booking: booking belongs to another user")

	ErrNotEligible      = errors.New("refund: booking not eligible for refund")
	ErrRefundIncomplete = errors.New("refund: refund left incomplete")

	ErrRateLimited       = errors.New("checkin: manual entry rate limit exceeded")
	ErrOverrideDenied    = errors.New("checkin: override not permitted")
	ErrInvalidTransition = errors.New("checkin: invalid scanner state transition")
	ErrStoreUnavailable  = errors.New("checkin: ticket store unavailable")

	ErrNotFound      = errors.New("store: document not found")
	ErrAlreadyExists = errors.New("store: document already exists")
	ErrTxConflict    = errors.New("store: transaction conflict retries exhausted")
)
