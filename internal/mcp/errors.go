package mcp

import (
	"errors"
	"fmt"
)

// ErrConnectionLost indicates the transport's peer is gone (subprocess
// exited, connection reset). Calls in flight and all future calls on
// the transport fail with an error wrapping this sentinel.
var ErrConnectionLost = errors.New("mcp: connection lost")

// TransportError wraps a delivery failure at the transport layer.
// Retryable distinguishes transient network failures from fatal ones
// such as authentication rejection. The transport only classifies;
// retry policy belongs to the caller.
type TransportError struct {
	Server    string
	Op        string // "send", "notify", "connect"
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp transport %s (%s): %v", e.Op, e.Server, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ToolErrorKind classifies a failed tool invocation.
type ToolErrorKind int

const (
	ToolErrInternal ToolErrorKind = iota
	ToolErrNotFound
	ToolErrInvalidArgs
	ToolErrTimeout
	ToolErrConnectionDegraded
)

// String returns the kind as a stable lowercase identifier, suitable
// for inclusion in results handed back to the model.
func (k ToolErrorKind) String() string {
	switch k {
	case ToolErrNotFound:
		return "not_found"
	case ToolErrInvalidArgs:
		return "invalid_arguments"
	case ToolErrTimeout:
		return "timeout"
	case ToolErrConnectionDegraded:
		return "connection_degraded"
	default:
		return "internal"
	}
}

// ToolError is a failed tool invocation with enough context for the
// orchestration loop to describe the failure to the model.
type ToolError struct {
	Kind   ToolErrorKind
	Server string
	Tool   string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s on %s failed (%s): %v", e.Tool, e.Server, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// AsToolError extracts a *ToolError from an error chain, or wraps err
// as an internal ToolError if none is present. Never returns nil for a
// non-nil err.
func AsToolError(server, tool string, err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Kind: ToolErrInternal, Server: server, Tool: tool, Err: err}
}
