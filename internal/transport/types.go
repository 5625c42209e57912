package transport

import (
	"fmt"
	"time"

	syncerr "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
)

// Request is the body of POST /v1/sync.
type Request struct {
	DeviceID   string                    `json:"deviceId"`
	LastSync   time.Time                 `json:"lastSync"`
	Operations []models.PendingOperation `json:"operations"`
}

// Ack confirms the server applied an operation. ServerID differs from
// LocalID when the operation created a record under a temporary id.
type Ack struct {
	OpID     string    `json:"opId"`
	LocalID  models.ID `json:"localId"`
	ServerID models.ID `json:"serverId"`
	Version  int64     `json:"version"`
}

// RejectionKind classifies a per-operation rejection.
type RejectionKind string

const (
	RejectConflict   RejectionKind = "conflict"
	RejectValidation RejectionKind = "validation"
)

// Rejection is the server's refusal of a single operation. ServerRecord
// carries the server's current copy for conflicts.
type Rejection struct {
	OpID         string              `json:"opId"`
	LocalID      models.ID           `json:"localId"`
	Kind         RejectionKind       `json:"kind"`
	Message      string              `json:"message"`
	ServerRecord *models.LocalRecord `json:"serverRecord,omitempty"`
}

// Response is the body the sync endpoint returns for 200, and for the
// partial-result statuses 409 and 422.
type Response struct {
	ProcessedAcks []Ack                `json:"processedAcks"`
	ServerChanges []models.LocalRecord `json:"serverChanges"`
	Rejected      []Rejection          `json:"rejected"`
	SyncTimestamp time.Time            `json:"syncTimestamp"`
}

// OperationError is the typed form of a Rejection. It matches
// errors.ErrConflict or errors.ErrValidation with errors.Is.
type OperationError struct {
	OpID         string
	LocalID      models.ID
	Kind         RejectionKind
	Message      string
	ServerRecord *models.LocalRecord
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s on %s rejected (%s): %s", e.OpID, e.LocalID, e.Kind, e.Message)
}

func (e *OperationError) Unwrap() error {
	if e.Kind == RejectConflict {
		return syncerr.ErrConflict
	}

	return syncerr.ErrValidation
}

// Err converts the rejection into an OperationError. Unknown kinds are
// treated as validation failures so the operation is never retried in a
// loop.
func (r Rejection) Err() *OperationError {
	kind := r.Kind
	if kind != RejectConflict {
		kind = RejectValidation
	}

	return &OperationError{
		OpID:         r.OpID,
		LocalID:      r.LocalID,
		Kind:         kind,
		Message:      r.Message,
		ServerRecord: r.ServerRecord,
	}
}
