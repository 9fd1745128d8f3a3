package domain

import (
	"time"
)

type SessionID string
type CameraID string

// QualityTier is a named point on the bandwidth/fidelity tradeoff curve.
type QualityTier string

const (
	QualityLow      QualityTier = "low"
	QualityMedium   QualityTier = "medium"
	QualityHigh     QualityTier = "high"
	QualityAdaptive QualityTier = "adaptive"
)

// TransportKind selects the channel implementation backing a session.
type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportMJPEG     TransportKind = "mjpeg"
)

// ConnectionState tracks the lifecycle of a session's transport.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateRequesting ConnectionState = "requesting"
	StateConnecting ConnectionState = "connecting"
	StateStreaming  ConnectionState = "streaming"
	StateDegraded   ConnectionState = "degraded"
	StateStopping   ConnectionState = "stopping"
	StateClosed     ConnectionState = "closed"
	StateError      ConnectionState = "error"
)

// Terminal reports whether no further transitions are possible.
func (s ConnectionState) Terminal() bool {
	return s == StateClosed || s == StateError
}

// StreamSession is one allocated streaming channel between the console and
// a camera. Owned exclusively by a single SessionController.
type StreamSession struct {
	ID        SessionID
	CameraID  CameraID
	CreatedAt time.Time
	Quality   QualityTier
	Transport TransportKind
	State     ConnectionState
}

// Frame is the most recent image received for a session. Only one frame per
// session is ever retained; older frames are discarded on arrival of a
// newer one.
type Frame struct {
	SessionID  SessionID
	ReceivedAt time.Time
	Payload    []byte // encoded JPEG bytes
	Sequence   uint64
}

// SessionMetrics is a point-in-time view of a controller's counters.
type SessionMetrics struct {
	FramesReceived uint64
	FramesDropped  uint64
	BytesReceived  uint64
	Reconnects     int
	LastFrameAt    time.Time
	ConnectedAt    time.Time
}
