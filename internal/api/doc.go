// Package api implements the central service locator for the agora
// marketplace core.
//
// Every component (coordination store, authority engine, event fabric,
// workflow coordinator, audit log, identity verifier) registers a
// handler implementation here during bootstrap, and every consumer
// retrieves the handlers it needs through the matching Get* accessor.
// Components therefore depend only on this package and never on each
// other, which keeps the dependency graph flat:
//
//	store  ──┐
//	fabric ──┤
//	auth   ──┼──► api ◄── toolserver, coordinator, app
//	audit  ──┤
//	ident  ──┘
//
// The package also owns the shared vocabulary of the system: the
// domain entities (Agent, Capability, Message, Task, Workflow,
// WorkflowStep, Event, AuditRecord), the reducer request types, and
// the error taxonomy returned to tool-server callers.
//
// Handler registration is performed once at startup by each
// component's api_adapter.go:
//
//	adapter := store.NewAdapter(st)
//	adapter.Register()
//
// Accessors return nil when no handler is registered; callers must
// check for nil and fail with a "not registered" error.
package api
