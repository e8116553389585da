package engine

import "context"

// Resources supplies compiled environments.
//
// Implementations return ErrNotFound (possibly wrapped) when no script
// exists. A cached module that has gone stale is replaced by a fresh
// Uninitialized one; an environment that is still Initializing is never
// replaced.
type Resources interface {
	FindOrLoadDocumentEnvironment(baseName string) (DocumentEnvironment, error)
	FindOrLoadModuleEnvironment(baseName, identifier string) (ModuleEnvironment, error)
}

// Network issues outbound calls. The returned channel delivers exactly one
// result, possibly from another goroutine.
type Network interface {
	IssueOutboundCall(ctx context.Context, req *OutboundRequest) <-chan OutboundResult
}

// ConnectionLayer delivers messages to connected clients.
type ConnectionLayer interface {
	DeliverToClient(conn Connection, msg ClientMessage) error
}
