package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// mockTransport is a test double for the Transport interface.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]*Response // method -> canned response
	errs      map[string]error     // method -> injected transport failure
	sent      []Request            // captured requests
	notifs    []Notification       // captured notifications
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses: make(map[string]*Response),
		errs:      make(map[string]error),
	}
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Result:  json.RawMessage(data),
	}
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	}
}

func (m *mockTransport) failWith(method string, err error) {
	m.errs[method] = err
}

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *req)
	if err, ok := m.errs[req.Method]; ok {
		return nil, err
	}
	resp, ok := m.responses[req.Method]
	if !ok {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	// Copy response and set matching ID.
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

// readyTransport returns a mock primed for a clean handshake.
func readyTransport() *mockTransport {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      serverInfo{Name: "test-server", Version: "1.0.0"},
	})
	mt.addResponse("tools/list", toolsListResult{
		Tools: []ToolDefinition{
			{Name: "read_file", Description: "Read a file", InputSchema: map[string]any{"type": "object"}},
		},
	})
	return mt
}

func TestConnection_Connect(t *testing.T) {
	mt := readyTransport()
	conn := NewConnection("fs", mt, nil)

	if got := conn.State(); got != StateUninitialized {
		t.Fatalf("initial state = %v, want uninitialized", got)
	}

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := conn.State(); got != StateReady {
		t.Errorf("state after Connect = %v, want ready", got)
	}

	// initialize then tools/list, plus the initialized notification.
	if len(mt.sent) != 2 {
		t.Fatalf("sent %d requests, want 2", len(mt.sent))
	}
	if mt.sent[0].Method != "initialize" || mt.sent[1].Method != "tools/list" {
		t.Errorf("methods = %q, %q", mt.sent[0].Method, mt.sent[1].Method)
	}
	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notifications = %+v", mt.notifs)
	}

	if tools := conn.Tools(); len(tools) != 1 || tools[0].Name != "read_file" {
		t.Errorf("Tools() = %+v", tools)
	}
	name, ver := conn.ServerInfo()
	if name != "test-server" || ver != "1.0.0" {
		t.Errorf("ServerInfo() = %q, %q", name, ver)
	}
}

func TestConnection_Connect_WithResources(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      serverInfo{Name: "test-server", Version: "1.0.0"},
		Capabilities:    serverCapabilities{Resources: &struct{}{}},
	})
	mt.addResponse("tools/list", toolsListResult{})
	mt.addResponse("resources/list", resourcesListResult{
		Resources: []ResourceDefinition{
			{URI: "file:///etc/motd", Name: "motd", MimeType: "text/plain"},
		},
	})

	conn := NewConnection("fs", mt, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if res := conn.Resources(); len(res) != 1 || res[0].Name != "motd" {
		t.Errorf("Resources() = %+v", res)
	}
}

func TestConnection_Connect_HandshakeFailure(t *testing.T) {
	mt := newMockTransport()
	mt.addError("initialize", CodeInternalError, "boom")

	conn := NewConnection("fs", mt, nil)
	err := conn.Connect(context.Background())
	if err == nil {
		t.Fatal("expected handshake error")
	}
	if got := conn.State(); got != StateClosed {
		t.Errorf("state after failed Connect = %v, want closed", got)
	}
	if !mt.closed {
		t.Error("transport not closed after failed handshake")
	}
}

func TestConnection_Connect_Twice(t *testing.T) {
	mt := readyTransport()
	conn := NewConnection("fs", mt, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.Connect(context.Background()); err == nil {
		t.Fatal("second Connect should error")
	}
}

func TestConnection_CallTool_TextResult(t *testing.T) {
	mt := readyTransport()
	mt.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "file contents here"},
		},
	})

	conn := NewConnection("fs", mt, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	result, err := conn.CallTool(context.Background(), "read_file", map[string]any{"path": "/tmp/x"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result != "file contents here" {
		t.Errorf("result = %q", result)
	}
}

func TestConnection_CallTool_MultipleContentBlocks(t *testing.T) {
	mt := readyTransport()
	mt.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "Result line 1"},
			{Type: "image"},
			{Type: "text", Text: "Result line 2"},
		},
	})

	conn := NewConnection("fs", mt, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	result, err := conn.CallTool(context.Background(), "mixed_tool", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	want := "Result line 1\n[image]\nResult line 2"
	if result != want {
		t.Errorf("result = %q, want %q", result, want)
	}
}

func TestConnection_CallTool_ErrorKinds(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*mockTransport)
		want  ToolErrorKind
	}{
		{
			name:  "method not found",
			setup: func(mt *mockTransport) { mt.addError("tools/call", CodeMethodNotFound, "no such tool") },
			want:  ToolErrNotFound,
		},
		{
			name:  "invalid params",
			setup: func(mt *mockTransport) { mt.addError("tools/call", CodeInvalidParams, "bad args") },
			want:  ToolErrInvalidArgs,
		},
		{
			name:  "timeout",
			setup: func(mt *mockTransport) { mt.failWith("tools/call", context.DeadlineExceeded) },
			want:  ToolErrTimeout,
		},
		{
			name: "connection lost",
			setup: func(mt *mockTransport) {
				mt.failWith("tools/call", fmt.Errorf("%w: pipe closed", ErrConnectionLost))
			},
			want: ToolErrConnectionDegraded,
		},
		{
			name: "tool-level error content",
			setup: func(mt *mockTransport) {
				mt.addResponse("tools/call", callToolResult{
					Content: []ContentBlock{{Type: "text", Text: "entity not found"}},
					IsError: true,
				})
			},
			want: ToolErrInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := readyTransport()
			tt.setup(mt)

			conn := NewConnection("fs", mt, nil)
			if err := conn.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}

			_, err := conn.CallTool(context.Background(), "read_file", nil)
			if err == nil {
				t.Fatal("expected error")
			}
			var te *ToolError
			if !errors.As(err, &te) {
				t.Fatalf("error is %T, want *ToolError", err)
			}
			if te.Kind != tt.want {
				t.Errorf("kind = %v, want %v", te.Kind, tt.want)
			}
		})
	}
}

func TestConnection_CallTool_DegradesOnLostConnection(t *testing.T) {
	mt := readyTransport()
	mt.failWith("tools/call", fmt.Errorf("%w: pipe closed", ErrConnectionLost))

	conn := NewConnection("fs", mt, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := conn.CallTool(context.Background(), "read_file", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	// The in-flight failure itself is internal; only later calls see
	// the degraded kind.
	var inFlight *ToolError
	if !errors.As(err, &inFlight) || inFlight.Kind != ToolErrInternal {
		t.Fatalf("error = %v, want internal ToolError", err)
	}
	if got := conn.State(); got != StateDegraded {
		t.Errorf("state = %v, want degraded", got)
	}

	// Further calls are rejected without touching the transport.
	sentBefore := len(mt.sent)
	_, err = conn.CallTool(context.Background(), "read_file", nil)
	var te *ToolError
	if !errors.As(err, &te) || te.Kind != ToolErrConnectionDegraded {
		t.Fatalf("error = %v, want degraded ToolError", err)
	}
	if len(mt.sent) != sentBefore {
		t.Error("degraded connection still sent a request")
	}
}

func TestConnection_CallTool_BeforeConnect(t *testing.T) {
	conn := NewConnection("fs", newMockTransport(), nil)
	_, err := conn.CallTool(context.Background(), "read_file", nil)
	var te *ToolError
	if !errors.As(err, &te) || te.Kind != ToolErrConnectionDegraded {
		t.Fatalf("error = %v, want degraded ToolError", err)
	}
}

func TestConnection_Close_Idempotent(t *testing.T) {
	mt := readyTransport()
	conn := NewConnection("fs", mt, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !mt.closed {
		t.Error("transport was not closed")
	}
	if got := conn.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUninitialized, "uninitialized"},
		{StateHandshaking, "handshaking"},
		{StateReady, "ready"},
		{StateDegraded, "degraded"},
		{StateClosing, "closing"},
		{StateClosed, "closed"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{
			name:   "single text block",
			blocks: []ContentBlock{{Type: "text", Text: "hello"}},
			want:   "hello",
		},
		{
			name:   "multiple text blocks",
			blocks: []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}},
			want:   "a\nb",
		},
		{
			name:   "image placeholder",
			blocks: []ContentBlock{{Type: "image"}},
			want:   "[image]",
		},
		{
			name:   "unknown type",
			blocks: []ContentBlock{{Type: "audio"}},
			want:   "[audio]",
		},
		{
			name:   "empty",
			blocks: nil,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractText(tt.blocks)
			if got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAsToolError(t *testing.T) {
	base := &ToolError{Kind: ToolErrTimeout, Server: "fs", Tool: "read_file", Err: context.DeadlineExceeded}

	got := AsToolError("fs", "read_file", fmt.Errorf("wrapped: %w", base))
	if got.Kind != ToolErrTimeout {
		t.Errorf("kind = %v, want timeout", got.Kind)
	}

	got = AsToolError("fs", "read_file", errors.New("plain"))
	if got.Kind != ToolErrInternal {
		t.Errorf("kind = %v, want internal", got.Kind)
	}

	// A lost connection wrapping is still an internal failure of the
	// call; the degraded kind is reserved for pre-rejected calls.
	got = AsToolError("fs", "read_file", fmt.Errorf("x: %w", ErrConnectionLost))
	if got.Kind != ToolErrInternal {
		t.Errorf("kind = %v, want internal", got.Kind)
	}

	if AsToolError("fs", "read_file", nil) != nil {
		t.Error("nil error should map to nil")
	}
}
