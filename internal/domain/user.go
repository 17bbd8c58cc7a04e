// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxPeerIDLen   = 64
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

// PeerID identifies a remote peer for the lifetime of the discovery
// relationship. It is assigned before any room negotiation and never
// changes afterwards.
type PeerID string

func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// User is one roster entry. DisplayName differs from Username only when
// another roster member already carries the same name.
type User struct {
	ID          PeerID `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	IsHost      bool   `json:"isHost"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id PeerID, username string, host bool) (*User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username, DisplayName: username, IsHost: host}, nil
}

func ValidateUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
