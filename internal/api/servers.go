package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mcpgate/mcpgate/internal/events"
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/store"
)

// addServerTimeout bounds the eager connect of a freshly added server.
const addServerTimeout = 30 * time.Second

// pingTimeout bounds the liveness probe per server when listing.
const pingTimeout = 2 * time.Second

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListModels(r.Context())
	if err != nil {
		s.logger.Error("list models failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list models failed")
		return
	}

	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"id":             m.ID,
			"object":         "model",
			"owned_by":       "mcpgate",
			"name":           m.Name,
			"description":    m.Description,
			"supports_tools": m.SupportsTools,
			"context_window": m.ContextWindow,
			"default":        m.Default,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"object": "list", "data": data}, s.logger)
}

// serverStatus is a descriptor plus the live connection state for the
// requesting user's session.
type serverStatus struct {
	store.ServerDescriptor
	State string   `json:"state"`
	Tools []string `json:"tools,omitempty"`
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	descs, err := s.store.ListServers(r.Context(), userID)
	if err != nil {
		s.logger.Error("list servers failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list servers failed")
		return
	}

	sess, haveSession := s.sessions.Get(userID)

	out := make([]serverStatus, 0, len(descs))
	for _, d := range descs {
		st := serverStatus{ServerDescriptor: d, State: "disconnected"}
		if haveSession {
			if conn, ok := sess.Connection(d.ID); ok {
				st.State = conn.State().String()
				for _, t := range conn.Tools() {
					st.Tools = append(st.Tools, t.Name)
				}
				// A connection can look ready while its server has
				// silently gone away; probe before reporting.
				if conn.State() == mcp.StateReady {
					pingCtx, cancel := context.WithTimeout(r.Context(), pingTimeout)
					if err := conn.Ping(pingCtx); err != nil {
						st.State = "unresponsive"
						s.logger.Warn("MCP server unresponsive",
							"user_id", userID,
							"server_id", d.ID,
							"error", err,
						)
					}
					cancel()
				}
			}
		}
		out = append(out, st)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": out}, s.logger)
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var desc store.ServerDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if desc.ID == "" {
		s.errorResponse(w, http.StatusBadRequest, "server_id is required")
		return
	}
	switch desc.Transport {
	case "stdio":
		if desc.Command == "" {
			s.errorResponse(w, http.StatusBadRequest, "command is required for stdio transport")
			return
		}
	case "http":
		if desc.URL == "" {
			s.errorResponse(w, http.StatusBadRequest, "url is required for http transport")
			return
		}
	default:
		s.errorResponse(w, http.StatusBadRequest, "transport must be stdio or http")
		return
	}
	desc.Enabled = true
	desc.Global = false

	userID := s.userID(r)
	if err := s.store.AddServer(r.Context(), userID, desc); err != nil {
		s.logger.Error("add server failed", "user_id", userID, "server_id", desc.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "add server failed")
		return
	}

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMCP,
		Kind:      events.KindServerAdded,
		Data: map[string]any{
			"server_id": desc.ID,
			"user_id":   userID,
			"transport": desc.Transport,
		},
	})

	// Connect eagerly so the caller learns about reachability and the
	// discovered tools right away.
	sess := s.sessions.GetOrCreate(userID)
	ctx, cancel := context.WithTimeout(r.Context(), addServerTimeout)
	defer cancel()
	failures := s.sessions.EnsureServers(ctx, sess, []store.ServerDescriptor{desc})

	resp := map[string]any{
		"status":    "ok",
		"server_id": desc.ID,
		"connected": true,
	}
	if err, failed := failures[desc.ID]; failed {
		resp["connected"] = false
		resp["connect_error"] = err.Error()
	} else if conn, ok := sess.Connection(desc.ID); ok {
		var tools []string
		for _, t := range conn.Tools() {
			tools = append(tools, t.Name)
		}
		resp["tools"] = tools
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	userID := s.userID(r)

	desc, found, err := s.store.GetServer(r.Context(), userID, id)
	if err != nil {
		s.logger.Error("remove server failed", "user_id", userID, "server_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "remove server failed")
		return
	}
	if !found {
		s.errorResponse(w, http.StatusNotFound, "server not found")
		return
	}
	if desc.Global {
		s.errorResponse(w, http.StatusBadRequest, "global servers cannot be removed")
		return
	}

	removed, err := s.store.RemoveServer(r.Context(), userID, id)
	if err != nil {
		s.logger.Error("remove server failed", "user_id", userID, "server_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "remove server failed")
		return
	}

	// Close the live connection if this user's session has one.
	if sess, ok := s.sessions.Get(userID); ok {
		s.sessions.RemoveServer(sess, id)
	}

	if removed {
		s.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceMCP,
			Kind:      events.KindServerRemoved,
			Data:      map[string]any{"server_id": id, "user_id": userID},
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok", "server_id": id, "removed": removed}, s.logger)
}
