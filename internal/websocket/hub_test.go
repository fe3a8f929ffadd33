package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func setupTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func connectWS(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}

	cleanup := func() {
		conn.Close()
		server.Close()
	}

	return conn, cleanup
}

func TestHub_ClientConnects(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub)
	defer cleanup()

	// Give the hub time to register the client
	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 1 {
		t.Errorf("expected 1 client, got %d", count)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients after disconnect, got %d", count)
	}
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub)
	defer cleanup()

	time.Sleep(50 * time.Millisecond)

	hub.Broadcast(DeliveryEvent{
		Kind:       "delivery_succeeded",
		WebhookID:  "wh-456",
		DeliveryID: "dlv-789",
		EventID:    "evt-123",
		EventType:  "email.received",
		Attempt:    1,
		StatusCode: 200,
		DurationMs: 42,
		Timestamp:  time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	msg := string(message)
	if !strings.Contains(msg, "delivery_succeeded") {
		t.Errorf("expected message to contain 'delivery_succeeded', got: %s", msg)
	}
	if !strings.Contains(msg, "evt-123") {
		t.Errorf("expected message to contain event ID, got: %s", msg)
	}
	if !strings.Contains(msg, "wh-456") {
		t.Errorf("expected message to contain webhook ID, got: %s", msg)
	}
}

func TestHub_MultipleClients(t *testing.T) {
	hub := setupTestHub(t)

	conn1, cleanup1 := connectWS(t, hub)
	defer cleanup1()
	conn2, cleanup2 := connectWS(t, hub)
	defer cleanup2()

	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 2 {
		t.Errorf("expected 2 clients, got %d", count)
	}

	hub.Broadcast(DeliveryEvent{
		Kind:    "delivery_failed",
		EventID: "evt-multi",
	})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %d failed to read: %v", i+1, err)
		}
		if !strings.Contains(string(message), "evt-multi") {
			t.Errorf("client %d didn't receive broadcast", i+1)
		}
	}
}

func TestHub_ShutdownDisconnectsClients(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	_, cleanup := connectWS(t, hub)
	defer cleanup()

	time.Sleep(50 * time.Millisecond)
	if count := hub.ClientCount(); count != 1 {
		t.Fatalf("expected 1 client before shutdown, got %d", count)
	}

	cancel()
	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients after shutdown, got %d", count)
	}
}

func TestHub_ClientCountStartsAtZero(t *testing.T) {
	hub := setupTestHub(t)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients initially, got %d", count)
	}
}
