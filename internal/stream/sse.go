package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const writeDeadline = 120 * time.Second

// Chunk is one OpenAI chat.completion.chunk SSE payload.
type Chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice carries the incremental delta for one completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental content of a streaming choice.
type Delta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta announces a tool invocation in the delta stream.
type ToolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function FunctionDelta `json:"function"`
}

// FunctionDelta carries incremental function call fields.
type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage reports token counts on the final chunk.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Writer renders chunks as server-sent events for one streaming completion.
// All chunks share the completion id, creation time, and model name.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	logger  *slog.Logger

	completionID string
	created      int64
	model        string
}

// NewWriter prepares w for SSE output and emits the initial role chunk.
// Returns an error when the underlying writer cannot flush.
func NewWriter(w http.ResponseWriter, streamID, model string, logger *slog.Logger) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported by response writer")
	}
	if logger == nil {
		logger = slog.Default()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.Header().Set("X-Stream-ID", streamID)

	sw := &Writer{
		w:            w,
		flusher:      flusher,
		rc:           http.NewResponseController(w),
		logger:       logger,
		completionID: fmt.Sprintf("chatcmpl-%s", streamID),
		created:      time.Now().Unix(),
		model:        model,
	}
	sw.send(Delta{Role: "assistant"}, nil, nil)
	return sw, nil
}

// Token emits a content delta.
func (sw *Writer) Token(text string) {
	sw.send(Delta{Content: text}, nil, nil)
}

// Thinking emits a reasoning delta.
func (sw *Writer) Thinking(text string) {
	sw.send(Delta{ReasoningContent: text}, nil, nil)
}

// ToolCall announces a tool invocation starting at the given index.
func (sw *Writer) ToolCall(index int, id, name, arguments string) {
	sw.send(Delta{ToolCalls: []ToolCallDelta{{
		Index:    index,
		ID:       id,
		Type:     "function",
		Function: FunctionDelta{Name: name, Arguments: arguments},
	}}}, nil, nil)
}

// Keepalive writes an SSE comment so proxies and write deadlines do not
// expire during long tool executions.
func (sw *Writer) Keepalive() {
	if _, err := fmt.Fprintf(sw.w, ": keepalive\n\n"); err != nil {
		sw.logger.Debug("failed to write keepalive", "error", err)
	}
	sw.flush()
}

// Finish emits the terminal chunk with a finish reason, optional usage,
// and the data: [DONE] marker.
func (sw *Writer) Finish(reason string, usage *Usage) {
	sw.send(Delta{}, &reason, usage)
	if _, err := fmt.Fprintf(sw.w, "data: [DONE]\n\n"); err != nil {
		sw.logger.Debug("failed to write done marker", "error", err)
	}
	sw.flush()
}

// Error emits an error chunk. Status cannot change once streaming started,
// so the failure travels in-band before the stream closes.
func (sw *Writer) Error(message string) {
	payload := map[string]any{
		"id":      sw.completionID,
		"object":  "chat.completion.chunk",
		"created": sw.created,
		"model":   sw.model,
		"choices": []any{
			map[string]any{"index": 0, "delta": map[string]any{}, "finish_reason": "error"},
		},
		"error": map[string]any{
			"message": message,
			"type":    "server_error",
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		sw.logger.Debug("failed to marshal error chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		sw.logger.Debug("failed to write error chunk", "error", err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: [DONE]\n\n"); err != nil {
		sw.logger.Debug("failed to write done marker", "error", err)
	}
	sw.flush()
}

// SetModel updates the model name reported on subsequent chunks.
func (sw *Writer) SetModel(model string) { sw.model = model }

func (sw *Writer) send(delta Delta, finishReason *string, usage *Usage) {
	chunk := Chunk{
		ID:      sw.completionID,
		Object:  "chat.completion.chunk",
		Created: sw.created,
		Model:   sw.model,
		Choices: []Choice{{Index: 0, Delta: delta, FinishReason: finishReason}},
		Usage:   usage,
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		sw.logger.Debug("failed to marshal SSE chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		sw.logger.Debug("failed to write SSE chunk", "error", err)
	}
	sw.flush()
}

func (sw *Writer) flush() {
	sw.flusher.Flush()

	// Reset the write deadline after every event so multi-iteration tool
	// loops do not trip the server write timeout.
	if err := sw.rc.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		sw.logger.Debug("failed to reset write deadline", "error", err)
	}
}
