package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"labstream/internal/core/ports"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newWSServer runs serve on every upgraded connection. The returned base URL
// already carries the ws scheme.
func newWSServer(t *testing.T, serve func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return WebSocketBaseURL(srv.URL)
}

func readHandshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var msg map[string]string
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "ping", msg["type"])
}

func TestWebSocketChannelStreamsFrames(t *testing.T) {
	payload := []byte("jpeg-bytes")

	baseURL := newWSServer(t, func(conn *websocket.Conn) {
		readHandshake(t, conn)
		conn.WriteJSON(map[string]interface{}{"type": "connected"})

		// Frames are pull-based: wait for the client's request first.
		var req frameRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(map[string]interface{}{
			"type":     "frame",
			"data":     base64.StdEncoding.EncodeToString(payload),
			"sequence": 7,
		})

		// Hold the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	factory := NewWebSocketFactory(baseURL, "test-token", zap.NewNop())
	rec := &eventRecorder{}

	ch, err := factory.Open(context.Background(), testParams(), rec.handle)
	require.NoError(t, err)
	defer ch.Close()

	require.Eventually(t, func() bool {
		for _, ev := range rec.snapshot() {
			if ev.Kind == ports.EventFrame {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	events := rec.snapshot()
	require.Equal(t, ports.EventConnected, events[0].Kind)
	var frame ports.ChannelEvent
	for _, ev := range events {
		if ev.Kind == ports.EventFrame {
			frame = ev
		}
	}
	require.NotNil(t, frame.Frame)
	assert.Equal(t, payload, frame.Frame.Payload)
	assert.Equal(t, uint64(7), frame.Frame.Sequence)
	assert.Equal(t, testParams().SessionID, frame.Frame.SessionID)
}

func TestWebSocketChannelBackendError(t *testing.T) {
	baseURL := newWSServer(t, func(conn *websocket.Conn) {
		readHandshake(t, conn)
		conn.WriteJSON(map[string]interface{}{"type": "error", "message": "camera offline"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	factory := NewWebSocketFactory(baseURL, "", zap.NewNop())
	rec := &eventRecorder{}

	ch, err := factory.Open(context.Background(), testParams(), rec.handle)
	require.NoError(t, err)
	defer ch.Close()

	require.Eventually(t, func() bool { return rec.count() >= 1 },
		2*time.Second, 5*time.Millisecond)

	ev := rec.snapshot()[0]
	assert.Equal(t, ports.EventTransportError, ev.Kind)
	assert.Equal(t, "camera offline", ev.Message)
	assert.Error(t, ev.Err)
}

func TestWebSocketChannelMalformedMessageDropped(t *testing.T) {
	baseURL := newWSServer(t, func(conn *websocket.Conn) {
		readHandshake(t, conn)
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON(map[string]interface{}{"type": "connected"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	factory := NewWebSocketFactory(baseURL, "", zap.NewNop())
	rec := &eventRecorder{}

	ch, err := factory.Open(context.Background(), testParams(), rec.handle)
	require.NoError(t, err)
	defer ch.Close()

	// The garbage line is dropped; the channel keeps going.
	require.Eventually(t, func() bool { return rec.count() >= 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ports.EventConnected, rec.snapshot()[0].Kind)
}

func TestWebSocketChannelServerDisconnect(t *testing.T) {
	baseURL := newWSServer(t, func(conn *websocket.Conn) {
		readHandshake(t, conn)
		// Drop the connection without a close frame.
		conn.Close()
	})

	factory := NewWebSocketFactory(baseURL, "", zap.NewNop())
	rec := &eventRecorder{}

	ch, err := factory.Open(context.Background(), testParams(), rec.handle)
	require.NoError(t, err)
	defer ch.Close()

	require.Eventually(t, func() bool {
		events := rec.snapshot()
		return len(events) > 0 && events[len(events)-1].Kind == ports.EventClosed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketChannelCloseSuppressesEvents(t *testing.T) {
	baseURL := newWSServer(t, func(conn *websocket.Conn) {
		readHandshake(t, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	factory := NewWebSocketFactory(baseURL, "", zap.NewNop())
	rec := &eventRecorder{}

	ch, err := factory.Open(context.Background(), testParams(), rec.handle)
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	time.Sleep(50 * time.Millisecond)

	// The reader sees the closed socket but must not report it as a loss.
	for _, ev := range rec.snapshot() {
		assert.NotEqual(t, ports.EventClosed, ev.Kind)
	}
}

func TestWebSocketChannelSendsBearerToken(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	factory := NewWebSocketFactory(WebSocketBaseURL(srv.URL), "secret", zap.NewNop())
	ch, err := factory.Open(context.Background(), testParams(), func(ports.ChannelEvent) {})
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, "Bearer secret", <-gotAuth)
}

func TestDecodeFramePayload(t *testing.T) {
	raw := []byte{0xff, 0xd8, 0xff}
	encoded := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{name: "plain base64", input: encoded, want: raw},
		{name: "data uri", input: "data:image/jpeg;base64," + encoded, want: raw},
		{name: "empty", input: "", wantErr: true},
		{name: "invalid", input: "!!!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeFramePayload(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWebSocketBaseURL(t *testing.T) {
	assert.Equal(t, "ws://host:1234", WebSocketBaseURL("http://host:1234"))
	assert.Equal(t, "wss://host", WebSocketBaseURL("https://host"))
	assert.Equal(t, "ws://host", WebSocketBaseURL("ws://host"))
}

func TestStreamMessageRoundTrip(t *testing.T) {
	data, err := json.Marshal(frameRequest{Type: "request_frame", Quality: "low", Mobile: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request_frame","quality":"low","mobile":true}`, string(data))
}
