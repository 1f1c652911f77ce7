// Package uuid generates the identifiers of upload sessions, requests and
// temporary tags.
package uuid

import (
	"github.com/google/uuid"
)

// TemporaryTagPrefix starts the name of every hidden tag created to keep a
// manifest alive.
const TemporaryTagPrefix = "$temp-"

// NewString returns a new V7 UUID string. V7 UUIDs sort by creation time,
// which keeps upload ids clustered in the database index.
func NewString() string {
	return uuid.Must(uuid.NewV7()).String()
}

// TemporaryTagName returns a fresh hidden tag name. It cannot collide with a
// pushed tag because '$' is not allowed in tag names.
func TemporaryTagName() string {
	return TemporaryTagPrefix + uuid.NewString()
}
