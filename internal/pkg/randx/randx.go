/*
Package randx generates identifiers and validates client-supplied ones.

Connection, message and client ids are UUID v4 strings. Edit-log ids are KSUIDs so that
they sort by creation time.
*/
package randx

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

const (
	// MaxIDLength bounds conversation, document and message ids accepted from clients.
	MaxIDLength = 128
)

// ConnectionID generates the identifier of one live relay connection.
func ConnectionID() string {
	return uuid.New().String()
}

// MessageID generates a standard UUID v4 string to serve as a unique identifier for a message.
func MessageID() string {
	return uuid.New().String()
}

// ClientID generates the temporary id a client attaches to an outgoing message.
func ClientID() string {
	return uuid.New().String()
}

// EditID generates a time-derived, lexicographically sortable id for the document change log.
func EditID() string {
	return ksuid.New().String()
}

// IsValidID checks that a client-supplied id is non-empty, bounded, and free of
// whitespace, control characters and path separators.
func IsValidID(id string) bool {
	if id == "" || len(id) > MaxIDLength {
		return false
	}

	if strings.ContainsAny(id, "/\\") {
		return false
	}

	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}

	return true
}
