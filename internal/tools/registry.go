// Package tools maps MCP server tools into the flat, normalized
// namespace the model sees. Each session builds its own registry from
// its live connections; a registry is immutable once built, so a
// rebuild swaps in a fresh one atomically.
package tools

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"

	"github.com/mcpgate/mcpgate/internal/mcp"
)

// maxToolNameLen is the longest normalized name handed to the model.
// OpenAI-compatible backends reject function names beyond 64 chars.
const maxToolNameLen = 64

var (
	invalidChars  = regexp.MustCompile(`[^a-z0-9_]+`)
	underscoreRun = regexp.MustCompile(`_+`)
)

// sanitize converts a raw identifier into a safe tool-name fragment:
// lowercase, non-alphanumerics collapsed to single underscores, no
// leading or trailing underscore.
func sanitize(s string) string {
	s = strings.ToLower(s)
	s = invalidChars.ReplaceAllString(s, "_")
	s = underscoreRun.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// Entry is one exposed tool: the normalized name plus everything
// needed to route a call back to its origin.
type Entry struct {
	Name         string
	ServerID     string
	OriginalName string
	Description  string
	InputSchema  map[string]any
}

// Registry is an immutable mapping of normalized tool names to their
// origins. Build a new one whenever the connection set changes.
type Registry struct {
	entries map[string]Entry
	// byServer preserves discovery order per server for Describe.
	byServer map[string][]string
}

// FromConnections builds a registry from live connections.
// Connections that are not Ready contribute nothing.
func FromConnections(conns map[string]*mcp.Connection) *Registry {
	byServer := make(map[string][]mcp.ToolDefinition, len(conns))
	for id, conn := range conns {
		if conn.Ready() {
			byServer[id] = conn.Tools()
		}
	}
	return Build(byServer)
}

// Build constructs a registry from per-server tool lists. The result
// is a pure function of the input: same servers and tool lists, same
// names.
func Build(toolsByServer map[string][]mcp.ToolDefinition) *Registry {
	r := &Registry{
		entries:  make(map[string]Entry),
		byServer: make(map[string][]string),
	}

	// Deterministic iteration so collision handling is stable.
	serverIDs := make([]string, 0, len(toolsByServer))
	for id := range toolsByServer {
		serverIDs = append(serverIDs, id)
	}
	sort.Strings(serverIDs)

	for _, serverID := range serverIDs {
		for _, tool := range toolsByServer[serverID] {
			name := normalize(serverID, tool.Name)
			if _, taken := r.entries[name]; taken {
				name = collisionName(serverID, tool.Name)
			}
			r.entries[name] = Entry{
				Name:         name,
				ServerID:     serverID,
				OriginalName: tool.Name,
				Description:  tool.Description,
				InputSchema:  tool.InputSchema,
			}
			r.byServer[serverID] = append(r.byServer[serverID], name)
		}
	}

	return r
}

// normalize produces the canonical exposed name: the sanitized server
// id and tool name joined with an underscore, truncated to the model
// limit.
func normalize(serverID, tool string) string {
	name := sanitize(serverID) + "_" + sanitize(tool)
	if len(name) > maxToolNameLen {
		name = name[:maxToolNameLen]
		name = strings.TrimRight(name, "_")
	}
	return name
}

// collisionName disambiguates names that collide after truncation. The
// suffix is an FNV hash of the untruncated origin, so it is stable
// across rebuilds and processes.
func collisionName(serverID, tool string) string {
	h := fnv.New32a()
	h.Write([]byte(serverID + "/" + tool))
	suffix := fmt.Sprintf("_%06x", h.Sum32()&0xffffff)

	base := sanitize(serverID) + "_" + sanitize(tool)
	if len(base)+len(suffix) > maxToolNameLen {
		base = base[:maxToolNameLen-len(suffix)]
		base = strings.TrimRight(base, "_")
	}
	return base + suffix
}

// Resolve maps an exposed name back to its server and original tool
// name.
func (r *Registry) Resolve(name string) (serverID, originalName string, ok bool) {
	e, ok := r.entries[name]
	if !ok {
		return "", "", false
	}
	return e.ServerID, e.OriginalName, true
}

// Get returns the full entry for an exposed name.
func (r *Registry) Get(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Len returns the number of exposed tools.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Describe returns OpenAI-style function declarations for the tools
// belonging to the selected servers. A nil or empty selection means
// all servers. Order is stable: servers sorted, tools in discovery
// order.
func (r *Registry) Describe(serverIDs []string) []map[string]any {
	selected := r.selectedServers(serverIDs)

	var defs []map[string]any
	for _, serverID := range selected {
		for _, name := range r.byServer[serverID] {
			e := r.entries[name]
			schema := e.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			defs = append(defs, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        e.Name,
					"description": e.Description,
					"parameters":  schema,
				},
			})
		}
	}
	return defs
}

func (r *Registry) selectedServers(serverIDs []string) []string {
	var selected []string
	if len(serverIDs) == 0 {
		for id := range r.byServer {
			selected = append(selected, id)
		}
	} else {
		for _, id := range serverIDs {
			if _, ok := r.byServer[id]; ok {
				selected = append(selected, id)
			}
		}
	}
	sort.Strings(selected)
	return selected
}
