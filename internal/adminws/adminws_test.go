package adminws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastDeliversEventToConnectedDashboard(t *testing.T) {
	hub := NewHub()
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleUpgrade))
	defer ts.Close()

	conn := dialHub(t, ts)

	// Give the upgrade handler's registration a moment to land before
	// broadcasting; Broadcast is a no-op against a client not yet
	// registered.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 connected client, got %d", hub.ClientCount())
	}

	hub.Broadcast(Event{Type: EventSinkNew, Index: 3, Name: "sink0"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != EventSinkNew || got.Index != 3 || got.Name != "sink0" {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestBroadcastFansOutToMultipleDashboards(t *testing.T) {
	hub := NewHub()
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleUpgrade))
	defer ts.Close()

	connA := dialHub(t, ts)
	connB := dialHub(t, ts)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.ClientCount() != 2 {
		t.Fatalf("expected 2 connected clients, got %d", hub.ClientCount())
	}

	hub.Broadcast(Event{Type: EventModuleNew, Index: 7})

	for _, conn := range []*websocket.Conn{connA, connB} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got Event
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if got.Type != EventModuleNew || got.Index != 7 {
			t.Errorf("unexpected event: %+v", got)
		}
	}
}

func TestUnregisterOnDisconnectDropsClientCount(t *testing.T) {
	hub := NewHub()
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleUpgrade))
	defer ts.Close()

	conn := dialHub(t, ts)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected client count to drop to 0 after disconnect, got %d", hub.ClientCount())
	}
}

func TestCloseDisconnectsAllDashboards(t *testing.T) {
	hub := NewHub()
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleUpgrade))
	defer ts.Close()

	conn := dialHub(t, ts)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected read error after hub.Close()")
	}
}
