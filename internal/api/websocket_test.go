package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/earthring/assetpipe/internal/scheduler"
	"github.com/earthring/assetpipe/internal/streaming"
	"github.com/gorilla/websocket"
)

// wsEnvelope decodes both regular and error messages.
type wsEnvelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
	Code string          `json:"code"`
}

func dialTestServer(t *testing.T, s *testServer, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(s.handler)
	t.Cleanup(srv.Close)

	dialer := websocket.Dialer{Subprotocols: []string{ProtocolVersion1}}
	if header != nil && header.Get("Sec-WebSocket-Protocol") != "" {
		dialer.Subprotocols = nil
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := dialer.Dial(url, header)
	if err == nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func mustDial(t *testing.T, s *testServer) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialTestServer(t, s, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != ProtocolVersion1 {
		t.Errorf("Expected protocol %s, got %q", ProtocolVersion1, got)
	}
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, msgType, id string, data any) {
	t.Helper()
	msg := WebSocketMessage{Type: msgType, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("Failed to marshal data: %v", err)
		}
		msg.Data = raw
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

// readUntil reads frames, which may hold several newline-separated messages,
// until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wsEnvelope) bool) wsEnvelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed before a matching message arrived: %v", err)
		}
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			var msg wsEnvelope
			if err := json.Unmarshal(line, &msg); err != nil {
				t.Fatalf("Invalid message %q: %v", line, err)
			}
			if match(msg) {
				return msg
			}
		}
	}
}

func TestWebSocketHandlers_negotiateVersion(t *testing.T) {
	handlers := NewWebSocketHandlers(nil, nil, nil)

	tests := []struct {
		name      string
		requested string
		expected  string
	}{
		{"empty string defaults to v1", "", ProtocolVersion1},
		{"v1 requested", ProtocolVersion1, ProtocolVersion1},
		{"multiple versions", "assetpipe-v2, assetpipe-v1", ProtocolVersion1},
		{"unsupported version", "assetpipe-v99", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := handlers.negotiateVersion(tt.requested)
			if result != tt.expected {
				t.Errorf("negotiateVersion(%q) = %q, want %q", tt.requested, result, tt.expected)
			}
		})
	}
}

func TestWebSocketPingPong(t *testing.T) {
	s := newTestServer(t)
	conn := mustDial(t, s)

	sendMessage(t, conn, "ping", "p1", nil)
	readUntil(t, conn, func(m wsEnvelope) bool { return m.Type == "pong" && m.ID == "p1" })

	deadline := time.Now().Add(5 * time.Second)
	for s.ws.GetHub().ConnectionCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 registered connection, got %d", s.ws.GetHub().ConnectionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketUnsupportedVersion(t *testing.T) {
	s := newTestServer(t)
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", "assetpipe-v99")
	_, resp, err := dialTestServer(t, s, header)
	if err == nil {
		t.Fatal("Expected dial to fail for unsupported version")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %v", resp)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	s := newTestServer(t)
	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := dialTestServer(t, s, header)
	if err == nil {
		t.Fatal("Expected dial to fail for foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %v", resp)
	}
}

func TestWebSocketUnknownMessage(t *testing.T) {
	s := newTestServer(t)
	conn := mustDial(t, s)

	sendMessage(t, conn, "teleport", "x1", nil)
	msg := readUntil(t, conn, func(m wsEnvelope) bool { return m.Type == "error" })
	if msg.Code != "UnknownMessageType" || msg.ID != "x1" {
		t.Errorf("Expected UnknownMessageType for x1, got %+v", msg)
	}

	sendMessage(t, conn, "frames", "f1", FramesMessage{Count: 0})
	msg = readUntil(t, conn, func(m wsEnvelope) bool { return m.Type == "error" })
	if msg.Code != "ValidationError" {
		t.Errorf("Expected ValidationError for zero frames, got %+v", msg)
	}
}

func TestWebSocketPreloadBroadcastsUpdates(t *testing.T) {
	s := newTestServer(t)
	conn := mustDial(t, s)

	sendMessage(t, conn, "preload", "r1", PreloadRequest{Key: "models/crate.mesh", Priority: "high"})
	queued := readUntil(t, conn, func(m wsEnvelope) bool { return m.Type == "preload_queued" })
	var resp PreloadResponse
	if err := json.Unmarshal(queued.Data, &resp); err != nil {
		t.Fatalf("Invalid preload_queued data: %v", err)
	}
	if queued.ID != "r1" || resp.JobID == "" {
		t.Fatalf("Expected job id for r1, got %+v", queued)
	}

	readUntil(t, conn, func(m wsEnvelope) bool {
		if m.Type != "job_update" {
			return false
		}
		var u scheduler.Update
		if err := json.Unmarshal(m.Data, &u); err != nil {
			t.Fatalf("Invalid job_update data: %v", err)
		}
		return u.JobID == resp.JobID && u.State == scheduler.Loaded
	})
}

func TestWebSocketViewAndSamples(t *testing.T) {
	s := newTestServer(t)
	conn := mustDial(t, s)

	sendMessage(t, conn, "view", "v1", ViewMessage{Entries: []streaming.ViewEntry{
		{Key: "models/tree.mesh", Distance: 5, Visible: true},
		{Key: "models/rock.mesh", Distance: 400},
	}})
	msg := readUntil(t, conn, func(m wsEnvelope) bool { return m.Type == "view_delta" })
	var delta streaming.Delta
	if err := json.Unmarshal(msg.Data, &delta); err != nil {
		t.Fatalf("Invalid view_delta data: %v", err)
	}
	if len(delta.Added) != 2 || len(delta.Jobs) != 2 {
		t.Errorf("Expected 2 added keys with jobs, got %+v", delta)
	}

	for i := 0; i < 3; i++ {
		sendMessage(t, conn, "sample", "", map[string]any{"fps": 20})
	}
	readUntil(t, conn, func(m wsEnvelope) bool { return m.Type == "quality_changed" })

	sendMessage(t, conn, "environment", "e1", EnvironmentRequest{})
	env := readUntil(t, conn, func(m wsEnvelope) bool { return m.Type == "environment" })
	var envResp EnvironmentResponse
	if err := json.Unmarshal(env.Data, &envResp); err != nil {
		t.Fatalf("Invalid environment data: %v", err)
	}
	if envResp.Settings.Version == 0 {
		t.Errorf("Expected settings in environment reply, got %+v", envResp)
	}
}
