package api

import (
	"sync"

	"agora/pkg/logging"
)

// Handler registry variables store the registered implementations.
// All access is protected by handlerMutex.
var (
	storeHandler       StoreHandler
	authorityHandler   AuthorityHandler
	fabricHandler      FabricHandler
	coordinatorHandler CoordinatorHandler
	auditHandler       AuditHandler
	identityHandler    IdentityHandler

	handlerMutex sync.RWMutex
)

// RegisterStore registers the coordination store handler. Called once
// during bootstrap; a subsequent registration replaces the previous
// handler.
//
// Thread-safe: Yes, protected by handlerMutex.
func RegisterStore(h StoreHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	logging.Debug("API", "Registering store handler: %v", h != nil)
	storeHandler = h
}

// GetStore returns the registered coordination store handler, or nil
// if none is registered. Callers must check for nil.
func GetStore() StoreHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return storeHandler
}

// RegisterAuthority registers the authority & permission engine
// handler.
//
// Thread-safe: Yes, protected by handlerMutex.
func RegisterAuthority(h AuthorityHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	logging.Debug("API", "Registering authority handler: %v", h != nil)
	authorityHandler = h
}

// GetAuthority returns the registered authority handler, or nil.
func GetAuthority() AuthorityHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return authorityHandler
}

// RegisterFabric registers the event fabric handler.
//
// Thread-safe: Yes, protected by handlerMutex.
func RegisterFabric(h FabricHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	logging.Debug("API", "Registering fabric handler: %v", h != nil)
	fabricHandler = h
}

// GetFabric returns the registered event fabric handler, or nil.
func GetFabric() FabricHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return fabricHandler
}

// RegisterCoordinator registers the workflow coordinator handler.
//
// Thread-safe: Yes, protected by handlerMutex.
func RegisterCoordinator(h CoordinatorHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	logging.Debug("API", "Registering coordinator handler: %v", h != nil)
	coordinatorHandler = h
}

// GetCoordinator returns the registered coordinator handler, or nil.
func GetCoordinator() CoordinatorHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return coordinatorHandler
}

// RegisterAudit registers the audit log handler.
//
// Thread-safe: Yes, protected by handlerMutex.
func RegisterAudit(h AuditHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	logging.Debug("API", "Registering audit handler: %v", h != nil)
	auditHandler = h
}

// GetAudit returns the registered audit log handler, or nil.
func GetAudit() AuditHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return auditHandler
}

// RegisterIdentity registers the identity verifier handler.
//
// Thread-safe: Yes, protected by handlerMutex.
func RegisterIdentity(h IdentityHandler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	logging.Debug("API", "Registering identity handler: %v", h != nil)
	identityHandler = h
}

// GetIdentity returns the registered identity verifier handler, or
// nil.
func GetIdentity() IdentityHandler {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return identityHandler
}

// ResetForTesting clears every registered handler. Test use only.
func ResetForTesting() {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	storeHandler = nil
	authorityHandler = nil
	fabricHandler = nil
	coordinatorHandler = nil
	auditHandler = nil
	identityHandler = nil
}
