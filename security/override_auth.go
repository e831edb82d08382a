package security

import (
	"golang.org/x/crypto/bcrypt"

	"ticket-gate/internal/status"
)

// OverrideAuthorizer checks the supervisor PIN for duplicate overrides.
type OverrideAuthorizer struct {
	pinHash []byte
}

// NewOverrideAuthorizer takes a bcrypt hash; an empty hash disables the PIN check.
func NewOverrideAuthorizer(pinHash string) *OverrideAuthorizer {
	return &OverrideAuthorizer{pinHash: []byte(pinHash)}
}

func (a *OverrideAuthorizer) Required() bool {
	return a != nil && len(a.pinHash) > 0
}

func (a *OverrideAuthorizer) Authorize(pin string) error {
	if !a.Required() {
		return nil
	}
	if pin == "" {
		return status.ErrOverrideDenied
	}
	if err := bcrypt.CompareHashAndPassword(a.pinHash, []byte(pin)); err != nil {
		return status.ErrOverrideDenied
	}
	return nil
}
