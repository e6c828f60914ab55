// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxFullNameLen = 64

var (
	ErrNameTooLong = errors.New("full name too long")
	ErrNameEmpty   = errors.New("full name empty")
)

type UserID string

// User is the directory profile of a participant. Only the cosmetic fields
// needed to hydrate a call session are carried here; auth is out of scope.
type User struct {
	ID        UserID `json:"id"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Status    string `json:"status,omitempty"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(fullName string) (*User, error) {
	if len(fullName) == 0 {
		return nil, ErrNameEmpty
	}
	if len(fullName) > MaxFullNameLen {
		return nil, ErrNameTooLong
	}
	return &User{ID: UserID(uuid.NewString()), FullName: fullName}, nil
}
