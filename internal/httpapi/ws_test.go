package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubBroadcastsChangeToConnectedClient(t *testing.T) {
	hub := NewHub(silentLogger())
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		client := &wsClient{conn: conn, send: make(chan []byte, 8)}
		hub.register <- client
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the hub's register loop a moment to pick up the client before
	// broadcasting, since registration crosses a channel from the server
	// handler goroutine.
	time.Sleep(20 * time.Millisecond)

	at := time.Now()
	hub.BroadcastChange("cam-1", "Camera.gain-value", 12, at)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev wsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "changed" || ev.DeviceId != "cam-1" || ev.Path != "Camera.gain-value" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestHubEvictsSlowClientWithoutBlockingBroadcast(t *testing.T) {
	hub := NewHub(silentLogger())
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte)} // unbuffered, never drained
	hub.register <- slow
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		hub.BroadcastChange("cam-1", "x", 1, time.Now())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected broadcast to a full send buffer to evict the client rather than block")
	}
}

func TestHubStopClosesRegisteredClientSendChannels(t *testing.T) {
	hub := NewHub(silentLogger())
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 1)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	hub.Stop() // must tolerate a second call

	select {
	case _, ok := <-client.send:
		if ok {
			t.Fatal("expected the client's send channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the send channel to close")
	}
}

func TestServeWSUpgradesAndReceivesTallyBroadcast(t *testing.T) {
	api, _, _ := newTestAPI(t)
	srv := httptest.NewServer(http.HandlerFunc(api.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	api.Hub.BroadcastTally([]int{1, 0, 1}, time.Now())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev wsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "tally-updated" {
		t.Fatalf("expected a tally-updated event, got %q", ev.Type)
	}
}
