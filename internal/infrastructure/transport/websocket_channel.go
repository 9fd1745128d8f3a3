package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"labstream/internal/core/domain"
	"labstream/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// streamMessage is the wire format of inbound JSON text frames. The type tag
// discriminates the message kind.
type streamMessage struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Message  string `json:"message,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`
}

type frameRequest struct {
	Type    string             `json:"type"`
	Quality domain.QualityTier `json:"quality"`
	Mobile  bool               `json:"mobile"`
}

// WebSocketFactory dials the backend's per-session video WebSocket endpoint.
type WebSocketFactory struct {
	BaseURL string // ws:// or wss:// base, without path
	Token   string
	Dialer  *websocket.Dialer

	logger *zap.SugaredLogger
}

func NewWebSocketFactory(baseURL, token string, logger *zap.Logger) *WebSocketFactory {
	return &WebSocketFactory{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Dialer:  websocket.DefaultDialer,
		logger:  logger.Sugar(),
	}
}

// Open dials the video endpoint for the session, sends the handshake ping
// and starts the reader and pacing goroutines. Events are delivered to the
// handler from the reader goroutine until the channel closes.
func (f *WebSocketFactory) Open(ctx context.Context, p ports.ChannelParams, handler ports.EventHandler) (ports.FrameChannel, error) {
	endpoint := fmt.Sprintf("%s/streaming/video/%s?quality=%s",
		f.BaseURL, url.PathEscape(string(p.SessionID)), url.QueryEscape(string(p.Quality)))

	header := http.Header{}
	if f.Token != "" {
		header.Set("Authorization", "Bearer "+f.Token)
	}

	conn, resp, err := f.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	ch := &webSocketChannel{
		conn:    conn,
		params:  p,
		handler: handler,
		logger:  f.logger,
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(p.RequestInterval), 1),
	}
	ch.lastSeen.Store(time.Now().UnixNano())

	// Handshake: the backend expects a ping before it starts serving frames.
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}

	pacerCtx, cancel := context.WithCancel(context.Background())
	ch.cancelPacer = cancel

	go ch.readLoop()
	go ch.paceLoop(pacerCtx)

	return ch, nil
}

// webSocketChannel is one live WebSocket transport. It translates inbound
// messages into normalized channel events and paces outbound frame requests
// so the client controls its own frame rate.
type webSocketChannel struct {
	conn    *websocket.Conn
	params  ports.ChannelParams
	handler ports.EventHandler
	logger  *zap.SugaredLogger
	limiter *rate.Limiter

	lastSeen    atomic.Int64 // unix nanos of the last inbound message
	writeMu     sync.Mutex
	closeOnce   sync.Once
	done        chan struct{}
	cancelPacer context.CancelFunc
}

// SetPace adjusts the frame-request rate of a live channel.
func (c *webSocketChannel) SetPace(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.limiter.SetLimit(rate.Every(interval))
}

// Close tears down the connection. Idempotent; suppresses any events the
// reader would otherwise emit for the resulting read error.
func (c *webSocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancelPacer()
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *webSocketChannel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *webSocketChannel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed() {
				return // deliberate close, not an event
			}
			c.emit(ports.ChannelEvent{Kind: ports.EventClosed, Err: err})
			return
		}

		c.lastSeen.Store(time.Now().UnixNano())
		c.dispatch(data)
	}
}

// dispatch decodes one inbound message. Malformed payloads are logged and
// dropped; they never close the channel.
func (c *webSocketChannel) dispatch(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warnw("dropping malformed message",
			"session_id", c.params.SessionID, "error", err, "bytes", len(data))
		return
	}

	switch msg.Type {
	case "connected":
		c.emit(ports.ChannelEvent{Kind: ports.EventConnected})

	case "frame":
		payload, err := decodeFramePayload(msg.Data)
		if err != nil {
			c.logger.Warnw("dropping undecodable frame",
				"session_id", c.params.SessionID, "error", err)
			return
		}
		c.emit(ports.ChannelEvent{Kind: ports.EventFrame, Frame: &domain.Frame{
			SessionID:  c.params.SessionID,
			ReceivedAt: time.Now(),
			Payload:    payload,
			Sequence:   msg.Sequence,
		}})

	case "pong", "heartbeat":
		// Liveness only; last-seen was already updated.

	case "error", "warning":
		c.emit(ports.ChannelEvent{
			Kind:    ports.EventTransportError,
			Message: msg.Message,
			Err:     fmt.Errorf("backend reported %s: %s", msg.Type, msg.Message),
		})

	case "no_frame":
		// Camera has no data yet. Not an error.
		c.emit(ports.ChannelEvent{Kind: ports.EventStatus, Message: "no frame available"})

	default:
		c.logger.Debugw("ignoring unknown message type",
			"session_id", c.params.SessionID, "type", msg.Type)
	}
}

// paceLoop issues frame requests at the advised interval. The backend only
// sends a frame in response to a request, so a slow client never receives
// an uncontrolled push flood.
func (c *webSocketChannel) paceLoop(ctx context.Context) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		c.writeMu.Lock()
		err := c.conn.WriteJSON(frameRequest{
			Type:    "request_frame",
			Quality: c.params.Quality,
			Mobile:  c.params.Mobile,
		})
		c.writeMu.Unlock()
		if err != nil {
			// The read loop observes the broken socket and reports it.
			return
		}
	}
}

// LastSeen returns the time of the most recent inbound message.
func (c *webSocketChannel) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *webSocketChannel) emit(ev ports.ChannelEvent) {
	if c.closed() && ev.Kind != ports.EventClosed {
		return
	}
	c.handler(ev)
}

// decodeFramePayload accepts plain base64 or a full data URI.
func decodeFramePayload(data string) ([]byte, error) {
	if data == "" {
		return nil, fmt.Errorf("empty frame payload")
	}
	if idx := strings.Index(data, "base64,"); idx >= 0 {
		data = data[idx+len("base64,"):]
	}
	return base64.StdEncoding.DecodeString(data)
}
