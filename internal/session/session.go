// Package session tracks per-user conversation state: history, live
// MCP connections, the tool registry built from them, and activity
// bookkeeping for idle eviction.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpgate/mcpgate/internal/llm"
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/tools"
)

// Session is one user's conversation state. All mutation goes through
// methods holding the session lock; concurrent requests against the
// same session serialize their history writes rather than failing.
type Session struct {
	ID     string
	UserID string

	mu            sync.Mutex
	history       []llm.Message
	conns         map[string]*mcp.Connection
	registry      *tools.Registry
	lastActive    time.Time
	activeStreams int
	maxHistory    int
}

func newSession(userID string, maxHistory int) *Session {
	return &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		conns:      make(map[string]*mcp.Connection),
		registry:   tools.Build(nil),
		lastActive: time.Now(),
		maxHistory: maxHistory,
	}
}

// Touch records activity, pushing idle eviction out.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the time of the most recent activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// StreamStarted marks a live stream; sessions with live streams are
// never evicted.
func (s *Session) StreamStarted() {
	s.mu.Lock()
	s.activeStreams++
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// StreamFinished releases a live stream mark.
func (s *Session) StreamFinished() {
	s.mu.Lock()
	if s.activeStreams > 0 {
		s.activeStreams--
	}
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// ActiveStreams returns the number of streams currently running.
func (s *Session) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeStreams
}

// History returns a copy of the conversation history.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// AppendTurns appends messages to the history, trimming the oldest
// turns past the configured cap.
func (s *Session) AppendTurns(msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, msgs...)
	if s.maxHistory > 0 && len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	s.lastActive = time.Now()
}

// ClearHistory drops the conversation history. Connections and the
// tool registry are untouched; reconnecting is expensive and clearing
// context is not a reason to pay it.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	s.history = nil
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Registry returns the current tool registry.
func (s *Session) Registry() *tools.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

// Connection returns the live connection for a server id, if any.
func (s *Session) Connection(serverID string) (*mcp.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[serverID]
	return c, ok
}

// ConnectedServers returns ids of servers with a connection in any
// state.
func (s *Session) ConnectedServers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

// addConnection stores a connection and rebuilds the registry.
// The registry swap is atomic: readers keep whatever snapshot they
// already hold.
func (s *Session) addConnection(conn *mcp.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID()] = conn
	s.registry = tools.FromConnections(s.conns)
	s.lastActive = time.Now()
}

// removeConnection closes and forgets a connection, rebuilding the
// registry. Reports whether the server had a connection.
func (s *Session) removeConnection(serverID string) bool {
	s.mu.Lock()
	conn, ok := s.conns[serverID]
	if ok {
		delete(s.conns, serverID)
		s.registry = tools.FromConnections(s.conns)
	}
	s.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
	return ok
}

// close shuts down every connection.
func (s *Session) close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*mcp.Connection)
	s.registry = tools.Build(nil)
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
