package mcp

import (
	"encoding/json"
	"fmt"
)

// MCP messages are JSON-RPC 2.0. The gateway only ever acts as the
// client side: it sends requests and notifications, and reads
// responses. Request IDs are int64 counters scoped to one transport.
const jsonrpcVersion = "2.0"

// Request is an outbound JSON-RPC call expecting a response.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a request for method with the next transport ID.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

// Notification is an outbound call that expects no response, such as
// notifications/initialized after the handshake.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification for method.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// Response carries either a raw result or an error object, never
// both in a well-formed message. Result stays raw so each caller can
// decode into its own shape.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Err returns the response error as a Go error, or nil.
func (r *Response) Err() error {
	if r.Error != nil {
		return r.Error
	}
	return nil
}

// JSON-RPC 2.0 error codes the gateway classifies on. Servers use
// these to distinguish unknown tools and bad arguments from internal
// failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
