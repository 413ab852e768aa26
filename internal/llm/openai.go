package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mcpgate/mcpgate/internal/httpkit"
)

// OpenAIClient speaks the OpenAI chat completions wire format. Any
// compatible endpoint (vLLM, LiteLLM, gateway-of-gateways) works.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
// baseURL is the API root, e.g. "https://api.example.com/v1". timeout
// bounds non-streaming calls and the wait for response headers; zero
// means the 120s default. Streaming reads are never bounded by it.
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	// Backends can take significant time before sending headers
	// (thinking, long prompts), so the configured timeout also serves
	// as the time-to-first-byte bound.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = timeout

	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		logger:  logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			// No global timeout — streaming responses can be long-lived.
			// Rely on ctx deadlines/cancellation for timeout control.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// OpenAI request/response types

type openaiRequest struct {
	Model         string           `json:"model"`
	Messages      []openaiMessage  `json:"messages"`
	Tools         []map[string]any `json:"tools,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	Thinking      *thinkingConfig  `json:"thinking,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"` // string or []map[string]any
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"` // JSON text, streamed in fragments
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role             string           `json:"role"`
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content,omitempty"`
			ToolCalls        []openaiToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage openaiUsage `json:"usage"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role             string           `json:"role,omitempty"`
			Content          string           `json:"content,omitempty"`
			ReasoningContent string           `json:"reasoning_content,omitempty"`
			ToolCalls        []openaiToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
}

// Chat sends a non-streaming chat completion request, bounded by the
// configured timeout.
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.ChatStream(ctx, req, nil)
}

// ChatStream sends a chat request, optionally streaming tokens via callback.
func (c *OpenAIClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	wire := openaiRequest{
		Model:     req.Model,
		Messages:  convertMessages(req.Messages),
		Tools:     req.Tools,
		Stream:    stream,
		MaxTokens: req.MaxTokens,
	}
	if stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.Temperature > 0 {
		wire.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		wire.TopP = &req.TopP
	}
	if req.ThinkingBudget > 0 {
		wire.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: req.ThinkingBudget}
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(wire.Messages),
		"tools", len(req.Tools),
		"stream", stream,
	)

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, newBackendError(resp.StatusCode, errBody)
	}

	if !stream {
		return c.handleNonStreaming(ctx, resp.Body)
	}
	return c.handleStreaming(ctx, resp.Body, callback)
}

// Ping checks if the backend is reachable by listing models.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 4096)

	if httpResp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from backend: %d", httpResp.StatusCode)
	}
	return nil
}

func (c *OpenAIClient) handleNonStreaming(ctx context.Context, body io.Reader) (*ChatResponse, error) {
	var resp openaiResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("backend returned no choices")
	}

	choice := resp.Choices[0]
	result := &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      "assistant",
			Content:   choice.Message.Content,
			ToolCalls: parseToolCalls(choice.Message.ToolCalls),
		},
		Thinking:     choice.Message.ReasoningContent,
		FinishReason: choice.FinishReason,
		Done:         true,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"finish_reason", result.FinishReason,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// toolCallAccumulator assembles one tool call from streamed fragments.
type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func (c *OpenAIClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large responses
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		contentBuilder  strings.Builder
		thinkingBuilder strings.Builder
		accums          []*toolCallAccumulator // by stream index
		finishReason    string
		usage           openaiUsage
		model           string
	)

	for scanner.Scan() {
		line := scanner.Text()

		// SSE format: "data: <json>" lines, blank line separated.
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk openaiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip malformed events
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			callback(StreamEvent{Kind: KindToken, Token: choice.Delta.Content})
		}
		if choice.Delta.ReasoningContent != "" {
			thinkingBuilder.WriteString(choice.Delta.ReasoningContent)
			callback(StreamEvent{Kind: KindThinking, Token: choice.Delta.ReasoningContent})
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(accums) <= idx {
				accums = append(accums, &toolCallAccumulator{})
			}
			acc := accums[idx]

			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				started := acc.name == ""
				acc.name = tc.Function.Name
				if started {
					callback(StreamEvent{
						Kind:     KindToolCallStart,
						ToolCall: &ToolCall{ID: acc.id, Function: FunctionCall{Name: acc.name}},
					})
				}
			}
			acc.args.WriteString(tc.Function.Arguments)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	var toolCalls []ToolCall
	for _, acc := range accums {
		var args map[string]any
		if acc.args.Len() > 0 {
			if err := json.Unmarshal([]byte(acc.args.String()), &args); err != nil {
				args = map[string]any{"_raw": acc.args.String()}
			}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:       acc.id,
			Function: FunctionCall{Name: acc.name, Arguments: args},
		})
	}

	resp := &ChatResponse{
		Model: model,
		Message: Message{
			Role:      "assistant",
			Content:   contentBuilder.String(),
			ToolCalls: toolCalls,
		},
		Thinking:     thinkingBuilder.String(),
		FinishReason: finishReason,
		Done:         true,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"finish_reason", resp.FinishReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Message.Content)

	return resp, nil
}

// convertMessages converts internal messages to the OpenAI wire shape.
func convertMessages(messages []Message) []openaiMessage {
	var result []openaiMessage

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			out := openaiMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				argJSON, err := json.Marshal(args)
				if err != nil {
					argJSON = []byte("{}")
				}
				out.ToolCalls = append(out.ToolCalls, openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiFunction{
						Name:      tc.Function.Name,
						Arguments: string(argJSON),
					},
				})
			}
			result = append(result, out)

		case "tool":
			result = append(result, openaiMessage{
				Role:       "tool",
				ToolCallID: msg.ToolCallID,
				Content:    msg.Content,
			})

		default:
			// system and user
			out := openaiMessage{Role: msg.Role, Content: msg.Content}
			if len(msg.Parts) > 0 {
				out.Content = convertParts(msg.Parts)
			}
			result = append(result, out)
		}
	}

	return result
}

// convertParts converts multimodal parts to OpenAI content blocks.
func convertParts(parts []ContentPart) []map[string]any {
	var blocks []map[string]any
	for _, p := range parts {
		switch p.Type {
		case "image_url":
			blocks = append(blocks, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": p.ImageURL},
			})
		case "file":
			blocks = append(blocks, map[string]any{
				"type": "file",
				"file": map[string]any{
					"filename":  p.Filename,
					"file_data": p.FileData,
				},
			})
		default:
			blocks = append(blocks, map[string]any{
				"type": "text",
				"text": p.Text,
			})
		}
	}
	return blocks
}

// parseToolCalls converts wire tool calls with JSON-text arguments into
// the internal parsed form.
func parseToolCalls(wire []openaiToolCall) []ToolCall {
	var result []ToolCall
	for _, tc := range wire {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		result = append(result, ToolCall{
			ID:       tc.ID,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}
	return result
}
