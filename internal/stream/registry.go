// Package stream tracks in-flight streaming completions so they can be
// cancelled out of band, and renders agent events as OpenAI-style SSE chunks.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handle identifies one in-flight streaming completion.
type Handle struct {
	ID     string
	UserID string

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the stream has fully finished and been released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Registry tracks active streams by id so /v1/stop/stream can cancel them.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*Handle
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		streams: make(map[string]*Handle),
	}
}

// Open registers a new stream and returns a context derived from parent
// that is cancelled when Stop is called for the returned handle.
func (r *Registry) Open(parent context.Context, userID string) (context.Context, *Handle) {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{
		ID:     uuid.NewString(),
		UserID: userID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.streams[h.ID] = h
	r.mu.Unlock()

	r.logger.Debug("stream opened", "stream_id", h.ID, "user_id", userID)
	return ctx, h
}

// Stop cancels the stream with the given id. Returns false when the id is
// unknown or belongs to another user. Stopping an already-stopped stream
// is a no-op that still reports true.
func (r *Registry) Stop(id, userID string) bool {
	r.mu.Lock()
	h, ok := r.streams[id]
	r.mu.Unlock()

	if !ok || h.UserID != userID {
		return false
	}
	h.cancel()
	r.logger.Debug("stream stopped", "stream_id", id, "user_id", userID)
	return true
}

// Close releases the handle. The owning request handler must call this once
// the stream has finished, regardless of outcome.
func (r *Registry) Close(h *Handle) {
	r.mu.Lock()
	_, ok := r.streams[h.ID]
	delete(r.streams, h.ID)
	r.mu.Unlock()

	if ok {
		h.cancel()
		close(h.done)
	}
}

// Len reports the number of active streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
