// Package llm provides the chat backend abstraction and the
// OpenAI-compatible client implementation.
package llm

import (
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"` // multimodal user content; wins over Content when set
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"` // For tool responses
}

// ContentPart is one segment of a multimodal user message.
type ContentPart struct {
	Type     string `json:"type"` // text, image_url, file
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"` // https or data: URL
	FileData string `json:"file_data,omitempty"` // base64 data URL
	Filename string `json:"filename,omitempty"`
}

// FunctionCall names a tool and carries its parsed arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned ID for tool_call_id correlation
	Function FunctionCall `json:"function"`
}

// Request is one chat completion request to the backend.
type Request struct {
	Model    string
	Messages []Message
	// Tools are OpenAI-style function declarations.
	Tools []map[string]any

	MaxTokens   int
	Temperature float64
	TopP        float64
	// ThinkingBudget requests extended reasoning tokens where the
	// backend supports it. Zero disables.
	ThinkingBudget int
}

// ChatResponse is the unified response from the backend.
// Wire format conversion happens at the client boundary.
type ChatResponse struct {
	Model        string
	Message      Message
	Thinking     string
	FinishReason string // stop, tool_calls, length
	Done         bool

	InputTokens  int
	OutputTokens int
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken and KindThinking events.
	Token string

	// ToolCall is set for KindToolCallStart events. Arguments are not
	// yet populated; they arrive with the final ChatResponse.
	ToolCall *ToolCall
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindThinking is an incremental reasoning token, kept separate
	// from visible output.
	KindThinking

	// KindToolCallStart fires when the model begins a tool call.
	KindToolCallStart
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
