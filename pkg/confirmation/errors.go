package confirmation

import "errors"

var (
	// ErrUnknownRequest is returned for ids the manager never issued or has pruned.
	ErrUnknownRequest = errors.New("unknown confirmation request")
	// ErrNotPending is returned when resolving a request that already reached a terminal state.
	ErrNotPending = errors.New("confirmation request is not pending")
	ErrDenied     = errors.New("confirmation denied")
	ErrExpired    = errors.New("confirmation expired")
	ErrCancelled  = errors.New("confirmation cancelled")
	// ErrDeferred is returned by handlers that hand the request to an
	// out-of-band channel. The decision arrives later via Manager.Respond.
	ErrDeferred = errors.New("confirmation deferred to channel")
)
