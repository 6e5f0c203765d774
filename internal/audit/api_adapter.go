package audit

import (
	"agora/internal/api"
)

// Adapter wires the Log into the API service locator.
type Adapter struct {
	*Log
}

// NewAdapter creates the locator adapter for an audit log.
func NewAdapter(l *Log) *Adapter {
	return &Adapter{Log: l}
}

// Register registers this adapter as the audit handler.
func (a *Adapter) Register() {
	api.RegisterAudit(a)
}

var _ api.AuditHandler = (*Adapter)(nil)
