// Package models defines types shared across internal packages.
package models

import (
	"encoding/json"
	"time"
)

// EntityType names the kind of research record an operation carries.
type EntityType string

const (
	EntityFieldNote      EntityType = "field_note"
	EntityDocument       EntityType = "document"
	EntityReference      EntityType = "reference"
	EntitySurveyResponse EntityType = "survey_response"
	EntityMemo           EntityType = "memo"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityFieldNote, EntityDocument, EntityReference, EntitySurveyResponse, EntityMemo:
		return true
	}

	return false
}

// OpKind is the mutation a PendingOperation applies.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	return k == OpCreate || k == OpUpdate || k == OpDelete
}

// PendingOperation is a local mutation waiting to be sent to the server.
// OpID is unique per operation and is the server's idempotency key. ID is
// the record the operation targets. Version is the record version the
// client proposes once the operation is applied.
type PendingOperation struct {
	OpID       string          `json:"opId"`
	ID         ID              `json:"id"`
	Kind       OpKind          `json:"kind"`
	EntityType EntityType      `json:"entityType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// LocalRecord is a domain entity as stored on this device.
type LocalRecord struct {
	ID          ID              `json:"id"`
	EntityType  EntityType      `json:"entityType"`
	Payload     json.RawMessage `json:"payload"`
	SyncVersion int64           `json:"syncVersion"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Deleted     bool            `json:"deleted,omitempty"`
}

// SyncWatermark marks the server time up to which this device has
// incorporated server state.
type SyncWatermark struct {
	DeviceID          string    `json:"deviceId"`
	LastSyncTimestamp time.Time `json:"lastSyncTimestamp"`
}

// ServerError is the server's explanation for rejecting an operation.
// Record holds the server's current copy when one exists.
type ServerError struct {
	Message string       `json:"message"`
	Record  *LocalRecord `json:"record,omitempty"`
}

// ConflictRecord captures an operation the server rejected as stale, or a
// local edit that collided with an incoming server change. It persists
// until explicitly resolved.
type ConflictRecord struct {
	ID            uint64           `json:"id"`
	Operation     PendingOperation `json:"operation"`
	ServerError   ServerError      `json:"serverError"`
	ServerVersion int64            `json:"serverVersion"`
	DetectedAt    time.Time        `json:"detectedAt"`
}

// Strategy is a manual conflict resolution strategy.
type Strategy string

const (
	StrategyKeepLocal Strategy = "keep_local"
	StrategyUseServer Strategy = "use_server"
	StrategyMerge     Strategy = "merge"
)

// Valid reports whether s is a known resolution strategy.
func (s Strategy) Valid() bool {
	return s == StrategyKeepLocal || s == StrategyUseServer || s == StrategyMerge
}
