package fabric

import (
	"agora/internal/api"
)

// Adapter wires the Fabric into the API service locator.
type Adapter struct {
	*Fabric
}

// NewAdapter creates the locator adapter for a fabric.
func NewAdapter(f *Fabric) *Adapter {
	return &Adapter{Fabric: f}
}

// Register registers this adapter as the fabric handler.
func (a *Adapter) Register() {
	api.RegisterFabric(a)
}

var _ api.FabricHandler = (*Adapter)(nil)
