package llm

import "context"

// Client is the interface the chat backend must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, req Request) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is
	// non-nil, tokens are streamed to it as they arrive. The returned
	// response carries the assembled message and usage.
	ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error
}
