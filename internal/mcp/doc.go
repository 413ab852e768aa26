// Package mcp implements MCP (Model Context Protocol) client support:
// per-session connections to external MCP servers whose tools are
// exposed to the chat completion loop.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (subprocess) and
// streamable HTTP. A Connection owns one transport, runs the
// initialize handshake, discovers tools and resources, and tracks a
// lifecycle state machine (uninitialized through closed, with a
// degraded state for lost peers).
//
// This implementation covers the client/host side only — mcpgate does
// not act as an MCP server.
package mcp
