package ident

import (
	"fmt"

	"github.com/google/uuid"
)

// NewInstanceUid mints the 128-bit protocol identity for a fresh session.
// Version 7 uids are time-ordered.
func NewInstanceUid() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// ParseInstanceUid validates uid bytes received from a server.
func ParseInstanceUid(raw []byte) (uuid.UUID, error) {
	if len(raw) != 16 {
		return uuid.Nil, fmt.Errorf("instance uid must be 16 bytes, got %d", len(raw))
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, err
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("instance uid must not be all zeroes")
	}
	return id, nil
}
