package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestWS(t *testing.T, b *Bus) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(NewWSHandler(b, nil))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestWSHandlerDeliversEvents(t *testing.T) {
	b := New()
	conn, cleanup := dialTestWS(t, b)
	defer cleanup()

	// Wait for the subscription to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    SourceAgent,
		Kind:      KindToolCall,
		Data:      map[string]any{"tool": "fs_read_file"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Source != SourceAgent || got.Kind != KindToolCall {
		t.Errorf("got %+v", got)
	}
	if got.Data["tool"] != "fs_read_file" {
		t.Errorf("data = %v", got.Data)
	}
}

func TestWSHandlerUnsubscribesOnClose(t *testing.T) {
	b := New()
	conn, cleanup := dialTestWS(t, b)

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for b.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cleanup()
}
