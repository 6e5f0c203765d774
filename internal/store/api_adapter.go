package store

import (
	"agora/internal/api"
)

// Adapter wires the Store into the API service locator.
type Adapter struct {
	*Store
}

// NewAdapter creates the locator adapter for a store.
func NewAdapter(s *Store) *Adapter {
	return &Adapter{Store: s}
}

// Register registers this adapter as the store handler.
func (a *Adapter) Register() {
	api.RegisterStore(a)
}

var _ api.StoreHandler = (*Adapter)(nil)
