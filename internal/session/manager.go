package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpgate/mcpgate/internal/events"
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/store"
)

// connectTimeout bounds a single server dial during EnsureServers.
const connectTimeout = 30 * time.Second

// DialFunc builds and connects an MCP connection from a descriptor.
type DialFunc func(ctx context.Context, desc store.ServerDescriptor) (*mcp.Connection, error)

// Dial is the production DialFunc: it picks the transport from the
// descriptor and runs the handshake.
func Dial(logger *slog.Logger) DialFunc {
	return func(ctx context.Context, desc store.ServerDescriptor) (*mcp.Connection, error) {
		var transport mcp.Transport
		switch desc.Transport {
		case "stdio":
			env := make([]string, 0, len(desc.Env))
			for k, v := range desc.Env {
				env = append(env, k+"="+v)
			}
			transport = mcp.NewStdioTransport(mcp.StdioConfig{
				Command: desc.Command,
				Args:    desc.Args,
				Env:     env,
				Logger:  logger,
			})
		case "http":
			transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
				URL:    desc.URL,
				Token:  desc.Token,
				Logger: logger,
			})
		default:
			return nil, fmt.Errorf("unknown transport %q for server %s", desc.Transport, desc.ID)
		}

		conn := mcp.NewConnection(desc.ID, transport, logger)
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Config tunes the manager.
type Config struct {
	// IdleTimeout evicts sessions idle this long with no live streams.
	IdleTimeout time.Duration
	// SweepInterval is the eviction cadence.
	SweepInterval time.Duration
	// MaxHistory caps retained messages per session (0 = unlimited).
	MaxHistory int
	// Bus receives connect and eviction events. May be nil.
	Bus *events.Bus
}

// Manager owns all sessions: creation, server connection management,
// and idle eviction.
type Manager struct {
	cfg    Config
	dial   DialFunc
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(cfg Config, dial DialFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		dial:     dial,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the user's session, creating it on first sight.
// Concurrent calls for an unseen user produce exactly one session.
func (m *Manager) GetOrCreate(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[userID]; ok {
		return s
	}
	s := newSession(userID, m.cfg.MaxHistory)
	m.sessions[userID] = s
	m.logger.Info("session created", "user_id", userID, "session_id", s.ID)
	return s
}

// Get returns the user's session without creating one.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EnsureServers dials every requested server the session is not
// already connected to. Dials run in parallel; one failure never
// aborts the others. Returns per-server failures — already-connected
// and freshly connected servers simply do not appear in the map.
func (m *Manager) EnsureServers(ctx context.Context, sess *Session, descs []store.ServerDescriptor) map[string]error {
	var missing []store.ServerDescriptor
	for _, d := range descs {
		if !d.Enabled {
			continue
		}
		if conn, ok := sess.Connection(d.ID); ok && conn.State() != mcp.StateClosed && conn.State() != mcp.StateDegraded {
			continue
		}
		// A closed or degraded connection gets replaced.
		sess.removeConnection(d.ID)
		missing = append(missing, d)
	}
	if len(missing) == 0 {
		return nil
	}

	var (
		failMu   sync.Mutex
		failures = make(map[string]error)
	)

	g := new(errgroup.Group)
	for _, desc := range missing {
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()

			conn, err := m.dial(dialCtx, desc)
			if err != nil {
				m.logger.Warn("MCP server connect failed",
					"user_id", sess.UserID,
					"server_id", desc.ID,
					"error", err,
				)
				failMu.Lock()
				failures[desc.ID] = err
				failMu.Unlock()
				return nil
			}
			sess.addConnection(conn)

			names := make([]string, 0, len(conn.Tools()))
			for _, td := range conn.Tools() {
				names = append(names, td.Name)
			}
			m.cfg.Bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceMCP,
				Kind:      events.KindServerConnected,
				Data: map[string]any{
					"server_id": desc.ID,
					"transport": desc.Transport,
					"tools":     names,
				},
			})
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == 0 {
		return nil
	}
	return failures
}

// RemoveServer closes and forgets the session's connection to a
// server. Reports whether a connection existed.
func (m *Manager) RemoveServer(sess *Session, serverID string) bool {
	ok := sess.removeConnection(serverID)
	if ok {
		m.logger.Info("MCP server removed from session",
			"user_id", sess.UserID,
			"server_id", serverID,
		)
	}
	return ok
}

// Evict closes and drops sessions idle past the window, sparing any
// with a live stream. Returns the number evicted.
func (m *Manager) Evict(now time.Time) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}

	m.mu.Lock()
	var victims []*Session
	for userID, s := range m.sessions {
		if s.ActiveStreams() > 0 {
			continue
		}
		if now.Sub(s.LastActive()) >= m.cfg.IdleTimeout {
			delete(m.sessions, userID)
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		m.logger.Info("session evicted", "user_id", s.UserID, "session_id", s.ID)
		m.cfg.Bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceSession,
			Kind:      events.KindSessionEvicted,
			Data: map[string]any{
				"user_id":      s.UserID,
				"idle_seconds": int(now.Sub(s.LastActive()).Seconds()),
			},
		})
		s.close()
	}
	return len(victims)
}

// Run sweeps for idle sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Evict(now)
		}
	}
}

// CloseAll shuts down every session, for process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
