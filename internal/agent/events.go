package agent

import "time"

// EventKind identifies the type of an orchestration event.
type EventKind int

const (
	// EventTextDelta carries an incremental piece of assistant text.
	EventTextDelta EventKind = iota
	// EventThinking carries an incremental piece of reasoning text.
	EventThinking
	// EventToolCallStarted signals a tool invocation was dispatched.
	EventToolCallStarted
	// EventToolCallFinished signals a tool invocation returned.
	EventToolCallFinished
	// EventError is terminal: the run failed and produced no result.
	EventError
	// EventDone is terminal: the run completed with a result.
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text_delta"
	case EventThinking:
		return "thinking"
	case EventToolCallStarted:
		return "tool_call_started"
	case EventToolCallFinished:
		return "tool_call_finished"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one entry in the stream a Run produces. Exactly one terminal
// event (EventError or EventDone) ends every stream, and the channel is
// closed immediately after it.
type Event struct {
	Kind EventKind

	// Text holds the delta for EventTextDelta and EventThinking.
	Text string

	// ToolCall is set for EventToolCallStarted and EventToolCallFinished.
	ToolCall *ToolCallInfo

	// Err is set for EventError.
	Err error

	// Result is set for EventDone.
	Result *Result
}

// ToolCallInfo describes one tool invocation within a run.
type ToolCallInfo struct {
	ID       string
	Name     string
	ServerID string
	Tool     string
	Args     map[string]any

	// Set on EventToolCallFinished.
	Output   string
	Err      error
	Duration time.Duration
}

// Result is the final outcome of a completed run.
type Result struct {
	Content      string
	Model        string
	FinishReason string
	Iterations   int
	InputTokens  int
	OutputTokens int
}
