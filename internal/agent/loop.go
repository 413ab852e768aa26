// Package agent implements the orchestration loop: it alternates backend
// generations with MCP tool executions until the model produces a final
// text response or a budget runs out.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpgate/mcpgate/internal/events"
	"github.com/mcpgate/mcpgate/internal/llm"
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/session"
)

const (
	defaultMaxIterations   = 10
	defaultToolParallelism = 4
	defaultToolTimeout     = 60 * time.Second
)

// Config bounds a run.
type Config struct {
	// MaxIterations caps generation/tool rounds per run.
	MaxIterations int
	// ToolParallelism bounds concurrent tool executions within one round.
	ToolParallelism int
	// ToolTimeout applies per tool call.
	ToolTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.ToolParallelism <= 0 {
		c.ToolParallelism = defaultToolParallelism
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = defaultToolTimeout
	}
	return c
}

// RunRequest describes one completion run against a session.
type RunRequest struct {
	Session *session.Session
	// StreamID correlates log lines and bus events for this run.
	StreamID string
	Model    string
	// Messages are the new turns from the request body. They are not
	// yet part of the session history.
	Messages []llm.Message
	// ServerIDs selects which connected servers expose tools to the
	// model. Nil means all.
	ServerIDs []string
	// DisableTools runs the generation with no tool declarations, for
	// models that do not support tool use.
	DisableTools bool
	// KeepSession commits the run's turns to the session history on
	// successful completion.
	KeepSession bool

	MaxTokens      int
	Temperature    float64
	TopP           float64
	ThinkingBudget int
}

// Loop drives completion runs.
type Loop struct {
	logger *slog.Logger
	llm    llm.Client
	bus    *events.Bus
	cfg    Config
}

// NewLoop creates an orchestration loop. The bus may be nil.
func NewLoop(logger *slog.Logger, client llm.Client, bus *events.Bus, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger,
		llm:    client,
		bus:    bus,
		cfg:    cfg.withDefaults(),
	}
}

// Run executes one completion run and returns its event stream. The
// channel carries zero or more progress events followed by exactly one
// terminal event (EventError or EventDone), then closes. The caller must
// drain the channel until it is closed.
func (l *Loop) Run(ctx context.Context, req *RunRequest) <-chan Event {
	out := make(chan Event, 32)
	go func() {
		defer close(out)
		l.run(ctx, req, out)
	}()
	return out
}

func (l *Loop) run(ctx context.Context, req *RunRequest, out chan<- Event) {
	logger := l.logger.With("stream_id", req.StreamID, "model", req.Model)
	start := time.Now()

	reg := req.Session.Registry()
	var toolDefs []map[string]any
	if !req.DisableTools {
		toolDefs = reg.Describe(req.ServerIDs)
	}

	logger.Info("run started",
		"messages", len(req.Messages),
		"tools_available", len(toolDefs),
		"keep_session", req.KeepSession,
	)
	l.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceAgent,
		Kind:      events.KindRequestStart,
		Data: map[string]any{
			"stream_id": req.StreamID,
			"user_id":   req.Session.UserID,
			"model":     req.Model,
		},
	})

	messages := append(req.Session.History(), req.Messages...)
	// turns accumulates everything to commit when KeepSession is set.
	turns := append([]llm.Message(nil), req.Messages...)

	var totalInput, totalOutput int
	var streamedText string

	finish := func(content, reason string, iterations int) {
		if req.KeepSession {
			req.Session.AppendTurns(turns...)
		}
		elapsed := time.Since(start)
		logger.Info("run completed",
			"iterations", iterations,
			"finish_reason", reason,
			"input_tokens", totalInput,
			"output_tokens", totalOutput,
			"elapsed", elapsed.Round(time.Millisecond),
		)
		l.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgent,
			Kind:      events.KindRequestComplete,
			Data: map[string]any{
				"stream_id":     req.StreamID,
				"model":         req.Model,
				"iterations":    iterations,
				"tokens_in":     totalInput,
				"tokens_out":    totalOutput,
				"elapsed_ms":    elapsed.Milliseconds(),
				"finish_reason": reason,
			},
		})
		out <- Event{Kind: EventDone, Result: &Result{
			Content:      content,
			Model:        req.Model,
			FinishReason: reason,
			Iterations:   iterations,
			InputTokens:  totalInput,
			OutputTokens: totalOutput,
		}}
	}

	fail := func(err error, iterations int) {
		logger.Error("run failed", "iter", iterations, "error", err)
		out <- Event{Kind: EventError, Err: err}
	}

	callback := func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			streamedText += ev.Token
			out <- Event{Kind: EventTextDelta, Text: ev.Token}
		case llm.KindThinking:
			out <- Event{Kind: EventThinking, Text: ev.Token}
		}
	}

	for i := range l.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			finish(streamedText, "stop", i)
			return
		}

		logger.Info("llm call", "iter", i, "msgs", len(messages))
		l.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgent,
			Kind:      events.KindLLMCall,
			Data:      map[string]any{"stream_id": req.StreamID, "iter": i, "model": req.Model},
		})

		resp, err := l.llm.ChatStream(ctx, llm.Request{
			Model:          req.Model,
			Messages:       messages,
			Tools:          toolDefs,
			MaxTokens:      req.MaxTokens,
			Temperature:    req.Temperature,
			TopP:           req.TopP,
			ThinkingBudget: req.ThinkingBudget,
		}, callback)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				finish(streamedText, "stop", i)
				return
			}
			fail(fmt.Errorf("llm call failed (iter %d): %w", i, err), i)
			return
		}

		totalInput += resp.InputTokens
		totalOutput += resp.OutputTokens

		logger.Info("llm response",
			"iter", i,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"tool_calls", len(resp.Message.ToolCalls),
			"finish_reason", resp.FinishReason,
		)

		messages = append(messages, resp.Message)
		turns = append(turns, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			finish(resp.Message.Content, nonEmptyReason(resp.FinishReason), i+1)
			return
		}

		results := l.executeTools(ctx, req, resp.Message.ToolCalls, out)
		messages = append(messages, results...)
		turns = append(turns, results...)
	}

	// Iteration budget exhausted: one last call without tools forces a
	// text answer out of the model.
	logger.Warn("max iterations reached", "max_iter", l.cfg.MaxIterations)
	resp, err := l.llm.ChatStream(ctx, llm.Request{
		Model:          req.Model,
		Messages:       messages,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		ThinkingBudget: req.ThinkingBudget,
	}, callback)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			finish(streamedText, "stop", l.cfg.MaxIterations)
			return
		}
		fail(fmt.Errorf("final llm call failed: %w", err), l.cfg.MaxIterations)
		return
	}
	totalInput += resp.InputTokens
	totalOutput += resp.OutputTokens
	turns = append(turns, resp.Message)
	finish(resp.Message.Content, "length", l.cfg.MaxIterations)
}

// executeTools dispatches one round of tool calls with bounded
// parallelism and returns the tool-role result messages in call order.
// Failures become structured results, never an abort.
func (l *Loop) executeTools(ctx context.Context, req *RunRequest, calls []llm.ToolCall, out chan<- Event) []llm.Message {
	logger := l.logger.With("stream_id", req.StreamID)
	reg := req.Session.Registry()
	results := make([]llm.Message, len(calls))

	var g errgroup.Group
	g.SetLimit(l.cfg.ToolParallelism)

	for idx, tc := range calls {
		g.Go(func() error {
			info := &ToolCallInfo{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			}

			entry, ok := reg.Get(tc.Function.Name)
			if ok {
				info.ServerID = entry.ServerID
				info.Tool = entry.OriginalName
			}

			out <- Event{Kind: EventToolCallStarted, ToolCall: info}
			l.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceAgent,
				Kind:      events.KindToolCall,
				Data: map[string]any{
					"stream_id": req.StreamID,
					"tool":      tc.Function.Name,
					"server_id": info.ServerID,
				},
			})

			start := time.Now()
			output, err := l.callTool(ctx, req.Session, entry.ServerID, info, ok)
			info.Duration = time.Since(start)
			info.Output = output
			info.Err = err

			if err != nil {
				logger.Error("tool exec failed",
					"tool", tc.Function.Name,
					"server_id", info.ServerID,
					"error", err,
					"elapsed", info.Duration.Round(time.Millisecond),
				)
				output = toolErrorResult(tc.Function.Name, err)
				if conn, live := req.Session.Connection(info.ServerID); live && conn.State() == mcp.StateDegraded {
					l.bus.Publish(events.Event{
						Timestamp: time.Now(),
						Source:    events.SourceMCP,
						Kind:      events.KindServerDegraded,
						Data: map[string]any{
							"server_id": info.ServerID,
							"error":     err.Error(),
						},
					})
				}
			} else {
				logger.Debug("tool exec done",
					"tool", tc.Function.Name,
					"server_id", info.ServerID,
					"result_len", len(output),
					"elapsed", info.Duration.Round(time.Millisecond),
				)
			}

			l.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceAgent,
				Kind:      events.KindToolDone,
				Data: map[string]any{
					"stream_id":   req.StreamID,
					"tool":        tc.Function.Name,
					"server_id":   info.ServerID,
					"ok":          err == nil,
					"duration_ms": info.Duration.Milliseconds(),
				},
			})
			out <- Event{Kind: EventToolCallFinished, ToolCall: info}

			results[idx] = llm.Message{
				Role:       "tool",
				Content:    output,
				ToolCallID: tc.ID,
			}
			return nil
		})
	}
	g.Wait()

	return results
}

func (l *Loop) callTool(ctx context.Context, sess *session.Session, serverID string, info *ToolCallInfo, known bool) (string, error) {
	if !known {
		return "", &mcp.ToolError{Kind: mcp.ToolErrNotFound, Tool: info.Name, Err: errors.New("unknown tool")}
	}
	conn, ok := sess.Connection(serverID)
	if !ok {
		return "", &mcp.ToolError{Kind: mcp.ToolErrNotFound, Server: serverID, Tool: info.Name, Err: errors.New("server not connected")}
	}

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
	defer cancel()
	return conn.CallTool(callCtx, info.Tool, info.Args)
}

// toolErrorResult renders a tool failure as a result the model can read
// and recover from.
func toolErrorResult(name string, err error) string {
	kind := "internal"
	msg := err.Error()
	var te *mcp.ToolError
	if errors.As(err, &te) {
		kind = te.Kind.String()
		if te.Err != nil {
			msg = te.Err.Error()
		}
	}
	data, jerr := json.Marshal(map[string]any{
		"error": map[string]any{
			"tool":    name,
			"kind":    kind,
			"message": msg,
		},
	})
	if jerr != nil {
		return "Error: " + msg
	}
	return string(data)
}

func nonEmptyReason(reason string) string {
	if reason == "" {
		return "stop"
	}
	return reason
}
