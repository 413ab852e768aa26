package events

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// wsSubscriberBuffer bounds how far a slow client can fall behind
	// before events are dropped for it.
	wsSubscriberBuffer = 64
)

// WSHandler streams bus events to WebSocket clients as JSON objects,
// one event per message.
type WSHandler struct {
	bus      *Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a WebSocket handler fed by the given bus.
func NewWSHandler(bus *Bus, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	ch := h.bus.Subscribe(wsSubscriberBuffer)
	defer h.bus.Unsubscribe(ch)

	h.logger.Info("websocket subscriber connected", "remote", r.RemoteAddr)

	// Read pump: we never expect client messages, but reading is required
	// to process control frames and detect the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				h.logger.Debug("websocket write failed", "error", err, "remote", r.RemoteAddr)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("websocket ping failed", "error", err, "remote", r.RemoteAddr)
				return
			}
		case <-closed:
			h.logger.Info("websocket subscriber disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
