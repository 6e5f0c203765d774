package identity

import (
	"agora/internal/api"
)

// Adapter wires the Verifier into the API service locator.
type Adapter struct {
	*Verifier
}

// NewAdapter creates the locator adapter for a verifier.
func NewAdapter(v *Verifier) *Adapter {
	return &Adapter{Verifier: v}
}

// Register registers this adapter as the identity handler.
func (a *Adapter) Register() {
	api.RegisterIdentity(a)
}

var _ api.IdentityHandler = (*Adapter)(nil)
