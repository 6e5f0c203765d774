package authority

import (
	"agora/internal/api"
)

// Adapter wires the Engine into the API service locator.
type Adapter struct {
	*Engine
}

// NewAdapter creates the locator adapter for an engine.
func NewAdapter(e *Engine) *Adapter {
	return &Adapter{Engine: e}
}

// Register registers this adapter as the authority handler.
func (a *Adapter) Register() {
	api.RegisterAuthority(a)
}

var _ api.AuthorityHandler = (*Adapter)(nil)
