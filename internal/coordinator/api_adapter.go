package coordinator

import (
	"agora/internal/api"
)

// Adapter wires the Coordinator into the API service locator.
type Adapter struct {
	*Coordinator
}

// NewAdapter creates the locator adapter for a coordinator.
func NewAdapter(c *Coordinator) *Adapter {
	return &Adapter{Coordinator: c}
}

// Register registers this adapter as the coordinator handler.
func (a *Adapter) Register() {
	api.RegisterCoordinator(a)
}

var _ api.CoordinatorHandler = (*Adapter)(nil)
