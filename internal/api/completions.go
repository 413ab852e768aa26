package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mcpgate/mcpgate/internal/agent"
	"github.com/mcpgate/mcpgate/internal/events"
	"github.com/mcpgate/mcpgate/internal/llm"
	"github.com/mcpgate/mcpgate/internal/session"
	"github.com/mcpgate/mcpgate/internal/stream"
)

// chatCompletionRequest is the OpenAI-compatible request body, extended
// with gateway fields (mcp_server_ids, keep_session, thinking_budget).
type chatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`

	MaxTokens      int      `json:"max_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	ThinkingBudget int      `json:"thinking_budget,omitempty"`

	MCPServerIDs []string `json:"mcp_server_ids,omitempty"`
	KeepSession  bool     `json:"keep_session,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// wireMessage decodes an incoming message whose content may be a plain
// string or an array of multimodal parts.
type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wirePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
	File *struct {
		FileData string `json:"file_data"`
		Filename string `json:"filename,omitempty"`
	} `json:"file,omitempty"`
}

// toLLM converts a wire message into the internal representation.
func (m wireMessage) toLLM() (llm.Message, error) {
	msg := llm.Message{Role: m.Role, ToolCallID: m.ToolCallID}

	for _, tc := range m.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:       tc.ID,
			Function: llm.FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}

	if len(m.Content) == 0 {
		return msg, nil
	}

	// Plain string content.
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		msg.Content = text
		return msg, nil
	}

	// Multimodal part array.
	var parts []wirePart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return msg, fmt.Errorf("message content is neither string nor part array")
	}
	for _, p := range parts {
		part := llm.ContentPart{Type: p.Type, Text: p.Text}
		switch p.Type {
		case "text":
		case "image_url":
			if p.ImageURL == nil {
				return msg, fmt.Errorf("image_url part without image_url object")
			}
			part.ImageURL = p.ImageURL.URL
		case "file":
			if p.File == nil {
				return msg, fmt.Errorf("file part without file object")
			}
			part.FileData = p.File.FileData
			part.Filename = p.File.Filename
		default:
			return msg, fmt.Errorf("unsupported content part type %q", p.Type)
		}
		msg.Parts = append(msg.Parts, part)
	}
	return msg, nil
}

// chatCompletionResponse is the OpenAI-compatible non-streaming response.
type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []choice     `json:"choices"`
	Usage   stream.Usage `json:"usage"`
}

type choice struct {
	Index        int            `json:"index"`
	Message      responseOutput `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type responseOutput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "messages are required")
		return
	}

	model, supportsTools, err := s.resolveModel(r, req.Model)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	messages := make([]llm.Message, 0, len(req.Messages))
	for i, m := range req.Messages {
		msg, err := m.toLLM()
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("message %d: %v", i, err))
			return
		}
		messages = append(messages, msg)
	}

	userID := s.userID(r)
	sess := s.sessions.GetOrCreate(userID)
	sess.Touch()

	if supportsTools {
		if err := s.ensureSelected(r.Context(), sess, userID, req.MCPServerIDs); err != nil {
			s.logger.Error("server setup failed", "user_id", userID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "server setup failed")
			return
		}
	}

	runReq := &agent.RunRequest{
		Session:        sess,
		Model:          model,
		Messages:       messages,
		KeepSession:    req.KeepSession,
		MaxTokens:      req.MaxTokens,
		ThinkingBudget: req.ThinkingBudget,
	}
	if supportsTools {
		runReq.ServerIDs = req.MCPServerIDs
	} else {
		runReq.DisableTools = true
	}
	if req.Temperature != nil {
		runReq.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		runReq.TopP = *req.TopP
	}

	if req.Stream {
		s.streamCompletion(w, r, sess, runReq, req.StreamOptions)
		return
	}
	s.blockingCompletion(w, r, sess, runReq)
}

func (s *Server) blockingCompletion(w http.ResponseWriter, r *http.Request, sess *session.Session, runReq *agent.RunRequest) {
	sess.StreamStarted()
	defer sess.StreamFinished()

	var result *agent.Result
	var runErr error
	for ev := range s.loop.Run(r.Context(), runReq) {
		switch ev.Kind {
		case agent.EventDone:
			result = ev.Result
		case agent.EventError:
			runErr = ev.Err
		}
	}
	if runErr != nil {
		s.logger.Error("completion failed", "error", runErr)
		s.errorResponse(w, http.StatusBadGateway, "completion failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, chatCompletionResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   result.Model,
		Choices: []choice{{
			Index:        0,
			Message:      responseOutput{Role: "assistant", Content: result.Content},
			FinishReason: result.FinishReason,
		}},
		Usage: stream.Usage{
			PromptTokens:     result.InputTokens,
			CompletionTokens: result.OutputTokens,
			TotalTokens:      result.InputTokens + result.OutputTokens,
		},
	}, s.logger)
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, sess *session.Session, runReq *agent.RunRequest, opts *streamOptions) {
	userID := s.userID(r)
	ctx, handle := s.streams.Open(r.Context(), userID)
	defer s.streams.Close(handle)
	runReq.StreamID = handle.ID

	sess.StreamStarted()
	defer sess.StreamFinished()

	sw, err := stream.NewWriter(w, handle.ID, runReq.Model, s.logger)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	includeUsage := opts != nil && opts.IncludeUsage
	toolIndex := 0

	for ev := range s.loop.Run(ctx, runReq) {
		switch ev.Kind {
		case agent.EventTextDelta:
			sw.Token(ev.Text)
		case agent.EventThinking:
			sw.Thinking(ev.Text)
		case agent.EventToolCallStarted:
			args := "{}"
			if ev.ToolCall.Args != nil {
				if data, merr := json.Marshal(ev.ToolCall.Args); merr == nil {
					args = string(data)
				}
			}
			sw.ToolCall(toolIndex, ev.ToolCall.ID, ev.ToolCall.Name, args)
			toolIndex++
		case agent.EventToolCallFinished:
			sw.Keepalive()
		case agent.EventError:
			s.logger.Error("stream failed", "stream_id", handle.ID, "error", ev.Err)
			sw.Error("completion failed")
		case agent.EventDone:
			sw.SetModel(ev.Result.Model)
			var usage *stream.Usage
			if includeUsage {
				usage = &stream.Usage{
					PromptTokens:     ev.Result.InputTokens,
					CompletionTokens: ev.Result.OutputTokens,
					TotalTokens:      ev.Result.InputTokens + ev.Result.OutputTokens,
				}
			}
			sw.Finish(ev.Result.FinishReason, usage)
		}
	}
}

// resolveModel maps the requested model id to a configured model,
// falling back to the default when unset.
func (s *Server) resolveModel(r *http.Request, requested string) (model string, supportsTools bool, err error) {
	models, err := s.store.ListModels(r.Context())
	if err != nil {
		return "", false, fmt.Errorf("list models: %w", err)
	}

	if requested == "" {
		for _, m := range models {
			if m.Default {
				return m.ID, m.SupportsTools, nil
			}
		}
		if len(models) > 0 {
			return models[0].ID, models[0].SupportsTools, nil
		}
		return "", false, fmt.Errorf("no models configured")
	}

	for _, m := range models {
		if m.ID == requested {
			return m.ID, m.SupportsTools, nil
		}
	}
	return "", false, fmt.Errorf("unknown model %q", requested)
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	userID := s.userID(r)

	if s.streams.Stop(id, userID) {
		s.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgent,
			Kind:      events.KindStreamStopped,
			Data:      map[string]any{"stream_id": id, "user_id": userID},
		})
	}

	// Idempotent: stopping an unknown or finished stream still succeeds.
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok", "stream_id": id}, s.logger)
}

func (s *Server) handleRemoveHistory(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if sess, ok := s.sessions.Get(userID); ok {
		sess.ClearHistory()
		s.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceSession,
			Kind:      events.KindHistoryCleared,
			Data:      map[string]any{"user_id": userID},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}
