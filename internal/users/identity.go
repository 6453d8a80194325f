package users

import (
	"fmt"
	"strings"
)

const (
	maxEmailLength    = 320
	maxRemoteIDLength = 190
)

// Identity is a validated login: the server-side account id and the address shown locally.
type Identity struct {
	Email    string
	RemoteID string
}

// NewIdentity validates raw login input.
func NewIdentity(email, remoteID string) (Identity, error) {
	identity := Identity{
		Email:    strings.ToLower(normalize(email)),
		RemoteID: normalize(remoteID),
	}
	if identity.RemoteID == "" {
		return Identity{}, fmt.Errorf("%w: remote id is required", ErrInvalidIdentity)
	}
	if len(identity.RemoteID) > maxRemoteIDLength {
		return Identity{}, fmt.Errorf("%w: remote id exceeds %d characters", ErrInvalidIdentity, maxRemoteIDLength)
	}
	if identity.Email != "" && !strings.Contains(identity.Email, "@") {
		return Identity{}, fmt.Errorf("%w: malformed email", ErrInvalidIdentity)
	}
	if len(identity.Email) > maxEmailLength {
		return Identity{}, fmt.Errorf("%w: email exceeds %d characters", ErrInvalidIdentity, maxEmailLength)
	}
	return identity, nil
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
