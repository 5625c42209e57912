package models

import (
	"fmt"
	"strconv"
	"strings"
)

// temporaryPrefix is the wire form prefix for client-issued identifiers.
// Servers never issue identifiers in this form.
const temporaryPrefix = "local-"

// ID identifies a record. It is either a temporary identifier issued by
// this device before the server has seen the record, or the authoritative
// identifier assigned by the server. The zero value is "no id".
//
// ID is comparable and can be used as a map key.
type ID struct {
	temp   uint64
	server string
}

// TemporaryID returns a client-issued identifier.
func TemporaryID(n uint64) ID {
	return ID{temp: n}
}

// ServerID returns a server-issued identifier.
func ServerID(s string) ID {
	return ID{server: s}
}

// ParseID converts the wire form back into an ID. "local-<digits>" is a
// temporary id, anything else non-empty is a server id.
func ParseID(s string) ID {
	if s == "" {
		return ID{}
	}

	if rest, ok := strings.CutPrefix(s, temporaryPrefix); ok {
		if n, err := strconv.ParseUint(rest, 10, 64); err == nil && n != 0 {
			return TemporaryID(n)
		}
	}

	return ServerID(s)
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id.temp == 0 && id.server == ""
}

// IsTemporary reports whether the id was issued locally and has not been
// reconciled with the server yet.
func (id ID) IsTemporary() bool {
	return id.temp != 0
}

// Temporary returns the numeric temporary id, or 0 for server ids.
func (id ID) Temporary() uint64 {
	return id.temp
}

// Server returns the server id, or "" for temporary ids.
func (id ID) Server() string {
	return id.server
}

// String returns the wire form of the id.
func (id ID) String() string {
	if id.temp != 0 {
		return temporaryPrefix + strconv.FormatUint(id.temp, 10)
	}

	return id.server
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	*id = ParseID(string(b))
	return nil
}

// GoString keeps %#v output readable in test failures.
func (id ID) GoString() string {
	if id.temp != 0 {
		return fmt.Sprintf("models.TemporaryID(%d)", id.temp)
	}

	return fmt.Sprintf("models.ServerID(%q)", id.server)
}
