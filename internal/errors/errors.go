package errors

import "errors"

// Engine errors.
var (
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrUnknownStrategy   = errors.New("unknown resolution strategy")
	ErrRecordNotFound    = errors.New("record not found")
	ErrInvalidEntityType = errors.New("invalid entity type")
	ErrInvalidPayload    = errors.New("invalid record payload")
)

// Failure classes. Transport and storage failures abort a whole sync
// attempt; conflict and validation failures affect a single operation.
var (
	ErrTransport  = errors.New("sync transport failed")
	ErrStorage    = errors.New("local storage failed")
	ErrConflict   = errors.New("operation conflicts with server state")
	ErrValidation = errors.New("operation rejected as invalid")
)
