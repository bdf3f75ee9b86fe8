package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"binance-signal-engine/config"
	"binance-signal-engine/internal/events"
	"binance-signal-engine/internal/signal"
)

func dialStream(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signals"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Invalid message %s: %v", data, err)
	}
	return msg
}

func waitClients(t *testing.T, hub *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d clients, have %d", n, hub.GetClientCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDecisionStream(t *testing.T) {
	f := newAPIFixture(t, config.ServerConfig{})
	hub := f.server.Hub()
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	anon := dialStream(t, srv, "")
	ops := dialStream(t, srv, f.admin)
	waitClients(t, hub, 2)

	if msg := readEvent(t, anon); msg["type"] != "CONNECTED" || msg["privileged"] != false {
		t.Errorf("Unexpected anonymous welcome %v", msg)
	}
	if msg := readEvent(t, ops); msg["type"] != "CONNECTED" || msg["privileged"] != true {
		t.Errorf("Unexpected operator welcome %v", msg)
	}

	sig := &signal.Signal{ID: "s1", Symbol: "ETHUSDT", Direction: signal.Buy, Status: signal.StatusPending}
	hub.BroadcastEvent(events.Event{Type: events.EventSignalCreated, Timestamp: epoch, Signal: sig})
	confirmed := sig.Clone()
	confirmed.Status = signal.StatusConfirmed
	hub.BroadcastEvent(events.Event{Type: events.EventSignalConfirmed, Timestamp: epoch, Signal: confirmed})

	if msg := readEvent(t, anon); msg["type"] != string(events.EventSignalConfirmed) {
		t.Errorf("Expected anonymous client to receive only the confirmation, got %v", msg["type"])
	}
	if msg := readEvent(t, ops); msg["type"] != string(events.EventSignalCreated) {
		t.Errorf("Expected operator to receive the creation first, got %v", msg["type"])
	}
	if msg := readEvent(t, ops); msg["type"] != string(events.EventSignalConfirmed) {
		t.Errorf("Expected operator to receive the confirmation, got %v", msg["type"])
	}

	f.bus.PublishSignal(events.EventSignalExpired, sig, epoch)
	if msg := readEvent(t, ops); msg["type"] != string(events.EventSignalExpired) {
		t.Errorf("Expected bus events forwarded, got %v", msg["type"])
	}

	anon.Close()
	waitClients(t, hub, 1)
}

func TestHubStopDisconnects(t *testing.T) {
	f := newAPIFixture(t, config.ServerConfig{})
	hub := f.server.Hub()
	go hub.Run()

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn := dialStream(t, srv, "")
	waitClients(t, hub, 1)
	readEvent(t, conn)

	hub.Stop()
	waitClients(t, hub, 0)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection closed after Stop")
	}
}
