package mcp

import "context"

// Transport carries JSON-RPC traffic to a single MCP server. A
// Connection owns exactly one transport and serializes calls through
// it; implementations cover stdio subprocesses and streamable HTTP.
type Transport interface {
	// Send issues a request and blocks until the matching response
	// arrives or ctx is done. Framing and ID correlation are the
	// transport's problem.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify fires a one-way notification. No response ever comes
	// back for it.
	Notify(ctx context.Context, notif *Notification) error

	// Close tears the transport down. The stdio flavor kills its
	// subprocess; in-flight Sends fail with ErrConnectionLost.
	Close() error
}
