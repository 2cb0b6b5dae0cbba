package session

import (
	"errors"
	"strings"
	"time"
)

// Role is the part a connection plays once registered.
type Role string

const (
	RoleUnregistered Role = ""
	RolePresenter    Role = "PRESENTER"
	RoleParticipant  Role = "PARTICIPANT"
)

const MaxNameLength = 64

var (
	ErrEmptyConnection = errors.New("connection id is required")
	ErrInvalidName     = errors.New("participant name is invalid")
)

// Connection is an ephemeral client connection. It is never persisted.
type Connection struct {
	ConnectionID string    `json:"connectionId"`
	Role         Role      `json:"role"`
	Name         string    `json:"name,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// NormalizeName trims a participant display name and checks its length.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxNameLength {
		return "", ErrInvalidName
	}
	return name, nil
}
