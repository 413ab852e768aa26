package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// stderrTailLines is how many recent stderr lines are retained for
// inclusion in failure errors.
const stderrTailLines = 20

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. Requests carry unique IDs, so a single reader goroutine
// demultiplexes responses onto pending calls and concurrent Sends do
// not block each other waiting for the pipe.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[int64]chan *Response
	dead    error // non-nil once the subprocess is unusable

	stderrMu   sync.Mutex
	stderrTail []string
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		pending: make(map[int64]chan *Response),
	}
}

// start launches the subprocess if it is not already running and spins
// up the reader goroutine. A transport that has died stays dead; the
// caller gets the original failure. Caller must hold t.mu.
func (t *StdioTransport) start() error {
	if t.dead != nil {
		return t.dead
	}
	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for diagnostics — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin

	go t.drainStderr(stderrPipe)
	go t.readLoop(stdout)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines, logs them at debug level, and keeps
// a short tail for failure reporting.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.logger.Debug("MCP subprocess stderr", "line", line)

		t.stderrMu.Lock()
		t.stderrTail = append(t.stderrTail, line)
		if len(t.stderrTail) > stderrTailLines {
			t.stderrTail = t.stderrTail[len(t.stderrTail)-stderrTailLines:]
		}
		t.stderrMu.Unlock()
	}
}

// readLoop reads stdout lines and routes responses to pending calls by
// request ID. Server-initiated notifications and unmatched messages
// are logged and dropped. When the pipe closes, every pending call is
// failed with ErrConnectionLost and the transport is marked dead.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 1<<20) // 1 MiB buffer for large responses

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.fail(err)
			return
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Debug("skipping non-JSON line from MCP subprocess",
				"line", string(line),
			)
			continue
		}

		// Notifications carry no id; nothing is waiting on them.
		if resp.ID == 0 && resp.Result == nil && resp.Error == nil {
			t.logger.Debug("ignoring MCP server notification")
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()

		if !ok {
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
			continue
		}
		ch <- &resp
	}
}

// fail marks the transport dead and unblocks every pending call.
func (t *StdioTransport) fail(cause error) {
	tail := t.stderrSnapshot()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dead == nil {
		t.dead = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
		if tail != "" {
			t.dead = fmt.Errorf("%w (stderr: %s)", t.dead, tail)
		}
	}
	for id, ch := range t.pending {
		delete(t.pending, id)
		close(ch)
	}

	t.logger.Warn("MCP subprocess connection lost", "cause", cause)
}

func (t *StdioTransport) stderrSnapshot() string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()
	return strings.Join(t.stderrTail, " | ")
}

// Send writes a JSON-RPC request to stdin and waits for the matching
// response. Concurrent calls are safe; only the stdin write is
// serialized. A per-call timeout comes from ctx and does not affect
// the subprocess or other in-flight calls.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan *Response, 1)

	t.mu.Lock()
	if err := t.start(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.pending[req.ID] = ch
	_, err = t.stdin.Write(append(data, '\n'))
	if err != nil {
		delete(t.pending, req.ID)
	}
	t.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("write to subprocess stdin: %w", err)
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			t.mu.Lock()
			dead := t.dead
			t.mu.Unlock()
			return nil, dead
		}
		return resp, nil
	}
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.start(); err != nil {
		return err
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification to subprocess stdin: %w", err)
	}
	return nil
}

// Close terminates the subprocess and releases resources. Calls still
// in flight fail with ErrConnectionLost once the pipes close. Close is
// idempotent.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	t.cmd = nil
	t.stdin = nil
	if t.dead == nil {
		t.dead = ErrConnectionLost
	}
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	// Close stdin to signal the subprocess to exit.
	if stdin != nil {
		stdin.Close()
	}

	// Wait briefly for graceful exit, then force kill.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}
