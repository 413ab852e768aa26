package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/mcpgate/mcpgate/internal/httpkit"
)

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Token, when set, is sent as a bearer Authorization header.
	Token string

	// Headers are additional HTTP headers sent with every request.
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC request is an HTTP POST; the server answers with
// either a plain JSON body or a text/event-stream whose events are
// scanned for the response matching the request ID.
type HTTPTransport struct {
	url        string
	token      string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string // Mcp-Session-Id header for session affinity
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// No automatic retries: a tools/call may have executed server-side
	// before the failure, so re-sending risks duplicate side effects.
	// Failures surface as TransportErrors with a Retryable flag and the
	// caller decides.
	client := httpkit.NewClient(
		httpkit.WithLogger(logger),
	)

	return &HTTPTransport{
		url:        cfg.URL,
		token:      cfg.Token,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
	}
}

// newRequest builds a POST carrying one JSON-RPC message with auth and
// session headers applied.
func (t *HTTPTransport) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", t.sessionID)
	}
	t.mu.RUnlock()

	return httpReq, nil
}

// classify maps an HTTP-level failure to a TransportError. Auth
// rejections are fatal; connection resets and timeouts are retryable.
func (t *HTTPTransport) classify(op string, status int, err error) *TransportError {
	retryable := false
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		retryable = false
	case status >= 500:
		retryable = true
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		retryable = true
	case err != nil:
		// Network-level errors (reset, refused) are worth retrying.
		retryable = true
	}
	return &TransportError{Server: t.url, Op: op, Retryable: retryable, Err: err}
}

// Send sends a JSON-RPC request via HTTP POST and returns the response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := t.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, t.classify("send", 0, fmt.Errorf("POST %s: %w", t.url, err))
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	// Capture session ID from response.
	if sid := httpResp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, t.classify("send", httpResp.StatusCode,
			fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody))
	}

	ct := httpResp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		return t.readEventStream(httpResp.Body, req.ID)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return nil, t.classify("send", 0, fmt.Errorf("read response body: %w", err))
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &resp, nil
}

// readEventStream scans SSE events for the response whose id matches
// the request. Interleaved server notifications and progress events
// are logged and skipped.
func (t *HTTPTransport) readEventStream(body io.Reader, wantID int64) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		// Blank line terminates an event.
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			payload := data.String()
			data.Reset()

			var resp Response
			if err := json.Unmarshal([]byte(payload), &resp); err != nil {
				t.logger.Debug("skipping non-JSON SSE event", "payload", payload)
				continue
			}
			if resp.ID == wantID {
				return &resp, nil
			}
			t.logger.Debug("skipping unmatched SSE event", "id", resp.ID)
			continue
		}

		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(after, " "))
		}
		// event:/id:/retry: fields are irrelevant here.
	}

	if err := scanner.Err(); err != nil {
		return nil, t.classify("send", 0, fmt.Errorf("read event stream: %w", err))
	}
	return nil, fmt.Errorf("event stream ended without response for id %d", wantID)
}

// Notify sends a JSON-RPC notification via HTTP POST. No response
// content is expected, but the HTTP response status is checked.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpReq, err := t.newRequest(ctx, body)
	if err != nil {
		return err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return t.classify("notify", 0, fmt.Errorf("POST %s: %w", t.url, err))
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	// Accept 200 and 202 (accepted) for notifications.
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return t.classify("notify", httpResp.StatusCode,
			fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, errBody))
	}

	return nil
}

// Close is a no-op for HTTP transports. The underlying HTTP client
// manages its own connection pool via httpkit.
func (t *HTTPTransport) Close() error {
	return nil
}
