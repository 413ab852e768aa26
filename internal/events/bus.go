// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (agent loop, MCP connections,
// session manager) to subscribers (WebSocket handler, future metrics
// collector). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the orchestration loop.
	SourceAgent = "agent"
	// SourceMCP identifies events from MCP server connections.
	SourceMCP = "mcp"
	// SourceSession identifies events from the session manager.
	SourceSession = "session"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of a completion request.
	// Data: stream_id, user_id, model.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of a backend LLM call.
	// Data: stream_id, iter, model.
	KindLLMCall = "llm_call"
	// KindToolCall signals the start of a tool execution.
	// Data: stream_id, tool, server_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: stream_id, tool, server_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of a completion request.
	// Data: stream_id, model, iterations, tokens_in, tokens_out,
	// elapsed_ms, finish_reason.
	KindRequestComplete = "request_complete"
	// KindStreamStopped signals a stream was cancelled out of band.
	// Data: stream_id, user_id.
	KindStreamStopped = "stream_stopped"

	// KindServerConnected signals an MCP server handshake completed.
	// Data: server_id, transport, tools.
	KindServerConnected = "server_connected"
	// KindServerDegraded signals an MCP connection lost its transport.
	// Data: server_id, error.
	KindServerDegraded = "server_degraded"
	// KindServerAdded signals a server descriptor was registered.
	// Data: server_id, user_id, transport.
	KindServerAdded = "server_added"
	// KindServerRemoved signals a server descriptor was removed.
	// Data: server_id, user_id.
	KindServerRemoved = "server_removed"

	// KindSessionEvicted signals a session was reclaimed after idling.
	// Data: user_id, idle_seconds.
	KindSessionEvicted = "session_evicted"
	// KindHistoryCleared signals a session's history was dropped.
	// Data: user_id.
	KindHistoryCleared = "history_cleared"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
// The map is keyed by the receive-only view handed to the subscriber,
// so Unsubscribe can take the caller's channel back directly.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has buffer room. Safe on
// a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber with the given channel buffer.
// The caller must Unsubscribe when done or the channel leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown or
// already-removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sendCh)
}

// SubscriberCount reports the number of live subscriptions. Safe on a
// nil receiver.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
