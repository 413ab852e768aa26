package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mcpgate/mcpgate/internal/agent"
	"github.com/mcpgate/mcpgate/internal/llm"
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/session"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/stream"
)

const testToken = "sekrit"

// scriptedLLM returns canned responses in order.
type scriptedLLM struct {
	mu     sync.Mutex
	script []scriptedTurn
}

type scriptedTurn struct {
	tokens []string
	resp   *llm.ChatResponse
	err    error
}

func (s *scriptedLLM) ChatStream(_ context.Context, req llm.Request, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	s.mu.Lock()
	if len(s.script) == 0 {
		s.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	turn := s.script[0]
	s.script = s.script[1:]
	s.mu.Unlock()

	if turn.err != nil {
		return nil, turn.err
	}
	if cb != nil {
		for _, tok := range turn.tokens {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: tok})
		}
	}
	return turn.resp, nil
}

func (s *scriptedLLM) Chat(ctx context.Context, req llm.Request) (*llm.ChatResponse, error) {
	return s.ChatStream(ctx, req, nil)
}

func (s *scriptedLLM) Ping(context.Context) error { return nil }

// fakeTransport answers the MCP handshake and tools/call.
type fakeTransport struct {
	tools []string
}

func (f *fakeTransport) Send(_ context.Context, req *mcp.Request) (*mcp.Response, error) {
	var result any
	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "fake", "version": "0"},
		}
	case "tools/list":
		var defs []map[string]any
		for _, name := range f.tools {
			defs = append(defs, map[string]any{"name": name})
		}
		result = map[string]any{"tools": defs}
	case "tools/call":
		result = map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
		}
	case "ping":
		result = map[string]any{}
	default:
		return nil, fmt.Errorf("unexpected method %s", req.Method)
	}
	data, _ := json.Marshal(result)
	return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: data}, nil
}

func (f *fakeTransport) Notify(context.Context, *mcp.Notification) error { return nil }
func (f *fakeTransport) Close() error                                    { return nil }

type testEnv struct {
	srv    *httptest.Server
	api    *Server
	client *scriptedLLM
	store  store.ConfigStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	models := []store.Model{
		{ID: "gpt-test", SupportsTools: true, Default: true},
		{ID: "gpt-basic", SupportsTools: false},
	}
	global := []store.ServerDescriptor{
		{ID: "fs", Transport: "stdio", Command: "fs-server", Enabled: true, Global: true},
	}
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "store.yaml"), models, global)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	dial := func(ctx context.Context, desc store.ServerDescriptor) (*mcp.Connection, error) {
		if desc.Command == "unreachable" {
			return nil, errors.New("dial refused")
		}
		conn := mcp.NewConnection(desc.ID, &fakeTransport{tools: []string{"read_file"}}, nil)
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}

	client := &scriptedLLM{}
	sessions := session.NewManager(session.Config{}, dial, nil)
	loop := agent.NewLoop(nil, client, nil, agent.Config{})
	api := NewServer(Config{Token: testToken}, loop, sessions, stream.NewRegistry(nil), st, nil, nil)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, api: api, client: client, store: st}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.srv.URL+"/v1/chat/completions", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	errObj, ok := body["error"].(map[string]any)
	if !ok || errObj["type"] != "authentication_error" {
		t.Errorf("body = %v", body)
	}
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestChatCompletions_Blocking(t *testing.T) {
	env := newTestEnv(t)
	env.client.script = []scriptedTurn{
		{resp: &llm.ChatResponse{
			Message:      llm.Message{Role: "assistant", Content: "hello back"},
			FinishReason: "stop",
			InputTokens:  7,
			OutputTokens: 3,
		}},
	}

	resp := env.request(t, "POST", "/v1/chat/completions", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hello"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[chatCompletionResponse](t, resp)
	if body.Object != "chat.completion" || body.Model != "gpt-test" {
		t.Errorf("response = %+v", body)
	}
	if len(body.Choices) != 1 || body.Choices[0].Message.Content != "hello back" {
		t.Errorf("choices = %+v", body.Choices)
	}
	if body.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", body.Usage)
	}
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "POST", "/v1/chat/completions", map[string]any{
		"model":    "gpt-nope",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChatCompletions_EmptyMessages(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "POST", "/v1/chat/completions", map[string]any{"messages": []any{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChatCompletions_Streaming(t *testing.T) {
	env := newTestEnv(t)
	env.client.script = []scriptedTurn{
		{tokens: []string{"Hel", "lo"}, resp: &llm.ChatResponse{
			Message:      llm.Message{Role: "assistant", Content: "Hello"},
			FinishReason: "stop",
			InputTokens:  5,
			OutputTokens: 2,
		}},
	}

	resp := env.request(t, "POST", "/v1/chat/completions", map[string]any{
		"messages":       []map[string]any{{"role": "user", "content": "hi"}},
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if resp.Header.Get("X-Stream-ID") == "" {
		t.Error("missing X-Stream-ID header")
	}

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := raw.String()

	if !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("stream missing [DONE]: %q", body)
	}

	var content string
	var sawUsage, sawFinish bool
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}
		var chunk stream.Chunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			t.Fatalf("unmarshal chunk %q: %v", line, err)
		}
		for _, c := range chunk.Choices {
			content += c.Delta.Content
			if c.FinishReason != nil && *c.FinishReason == "stop" {
				sawFinish = true
			}
		}
		if chunk.Usage != nil && chunk.Usage.TotalTokens == 7 {
			sawUsage = true
		}
	}
	if content != "Hello" {
		t.Errorf("streamed content = %q", content)
	}
	if !sawFinish {
		t.Error("no finish_reason chunk")
	}
	if !sawUsage {
		t.Error("no usage chunk despite include_usage")
	}
}

func TestChatCompletions_KeepSession(t *testing.T) {
	env := newTestEnv(t)
	env.client.script = []scriptedTurn{
		{resp: &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "one"}, FinishReason: "stop"}},
		{resp: &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "two"}, FinishReason: "stop"}},
	}

	resp := env.request(t, "POST", "/v1/chat/completions", map[string]any{
		"messages":     []map[string]any{{"role": "user", "content": "first"}},
		"keep_session": true,
	})
	resp.Body.Close()

	sess, ok := env.api.sessions.Get(testToken)
	if !ok {
		t.Fatal("no session created")
	}
	if n := len(sess.History()); n != 2 {
		t.Fatalf("history = %d messages, want 2", n)
	}

	// Clearing history keeps the session but drops the messages.
	resp = env.request(t, "POST", "/v1/remove/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if n := len(sess.History()); n != 0 {
		t.Errorf("history after clear = %d messages", n)
	}
}

func TestStopStream_Idempotent(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "POST", "/v1/stop/stream/not-a-real-stream", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestListModels(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "GET", "/v1/list/models", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[struct {
		Object string           `json:"object"`
		Data   []map[string]any `json:"data"`
	}](t, resp)
	if body.Object != "list" || len(body.Data) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Data[0]["id"] != "gpt-test" || body.Data[0]["default"] != true {
		t.Errorf("first model = %v", body.Data[0])
	}
}

func TestServerLifecycle(t *testing.T) {
	env := newTestEnv(t)

	// Add a reachable server.
	resp := env.request(t, "POST", "/v1/add/mcp_server", map[string]any{
		"server_id": "files2",
		"transport": "stdio",
		"command":   "fs-server",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add status = %d", resp.StatusCode)
	}
	added := decodeBody[map[string]any](t, resp)
	if added["connected"] != true {
		t.Errorf("add response = %v", added)
	}
	tools, _ := added["tools"].([]any)
	if len(tools) != 1 || tools[0] != "files2_read_file" {
		t.Errorf("tools = %v", tools)
	}

	// List shows the global server and the new one with live state.
	resp = env.request(t, "GET", "/v1/list/mcp_server", nil)
	list := decodeBody[struct {
		Servers []serverStatus `json:"servers"`
	}](t, resp)
	if len(list.Servers) != 2 {
		t.Fatalf("servers = %+v", list.Servers)
	}
	var added2 *serverStatus
	for i := range list.Servers {
		if list.Servers[i].ID == "files2" {
			added2 = &list.Servers[i]
		}
	}
	if added2 == nil {
		t.Fatal("added server missing from list")
	}
	if added2.State != "ready" || added2.Global {
		t.Errorf("added server = %+v", added2)
	}

	// Remove it again.
	resp = env.request(t, "DELETE", "/v1/remove/mcp_server/files2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}
	removed := decodeBody[map[string]any](t, resp)
	if removed["removed"] != true {
		t.Errorf("remove response = %v", removed)
	}

	// Unknown server is a 404.
	resp = env.request(t, "DELETE", "/v1/remove/mcp_server/files2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second remove status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	// Globals cannot be removed.
	resp = env.request(t, "DELETE", "/v1/remove/mcp_server/fs", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("global remove status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAddServer_Unreachable(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "POST", "/v1/add/mcp_server", map[string]any{
		"server_id": "down",
		"transport": "stdio",
		"command":   "unreachable",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["connected"] != false {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["connect_error"]; !ok {
		t.Error("missing connect_error")
	}
}

func TestAddServer_Validation(t *testing.T) {
	env := newTestEnv(t)

	cases := []map[string]any{
		{"transport": "stdio", "command": "x"},            // no id
		{"server_id": "a", "transport": "stdio"},          // no command
		{"server_id": "b", "transport": "http"},           // no url
		{"server_id": "c", "transport": "carrier-pigeon"}, // bad transport
	}
	for i, body := range cases {
		resp := env.request(t, "POST", "/v1/add/mcp_server", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestWireMessageToLLM(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want llm.Message
	}{
		{
			name: "plain string",
			in:   `{"role":"user","content":"hello"}`,
			want: llm.Message{Role: "user", Content: "hello"},
		},
		{
			name: "text and image parts",
			in:   `{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"https://x/img.png"}}]}`,
			want: llm.Message{Role: "user", Parts: []llm.ContentPart{
				{Type: "text", Text: "look"},
				{Type: "image_url", ImageURL: "https://x/img.png"},
			}},
		},
		{
			name: "file part",
			in:   `{"role":"user","content":[{"type":"file","file":{"file_data":"data:application/pdf;base64,AAAA","filename":"doc.pdf"}}]}`,
			want: llm.Message{Role: "user", Parts: []llm.ContentPart{
				{Type: "file", FileData: "data:application/pdf;base64,AAAA", Filename: "doc.pdf"},
			}},
		},
		{
			name: "assistant tool call",
			in:   `{"role":"assistant","tool_calls":[{"id":"c1","type":"function","function":{"name":"fs_read","arguments":"{\"path\":\"/x\"}"}}]}`,
			want: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
				{ID: "c1", Function: llm.FunctionCall{Name: "fs_read", Arguments: map[string]any{"path": "/x"}}},
			}},
		},
		{
			name: "tool result",
			in:   `{"role":"tool","content":"ok","tool_call_id":"c1"}`,
			want: llm.Message{Role: "tool", Content: "ok", ToolCallID: "c1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wm wireMessage
			if err := json.Unmarshal([]byte(tt.in), &wm); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got, err := wm.toLLM()
			if err != nil {
				t.Fatalf("toLLM: %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("got %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestWireMessageToLLM_BadContent(t *testing.T) {
	var wm wireMessage
	if err := json.Unmarshal([]byte(`{"role":"user","content":42}`), &wm); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := wm.toLLM(); err == nil {
		t.Error("expected error for numeric content")
	}
}
