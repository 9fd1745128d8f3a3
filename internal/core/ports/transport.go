package ports

import (
	"context"
	"time"

	"labstream/internal/core/domain"
)

// ChannelEventKind discriminates the normalized event stream produced by a
// frame channel, regardless of the underlying transport.
type ChannelEventKind int

const (
	EventConnected ChannelEventKind = iota
	EventFrame
	EventStatus
	EventTransportError
	EventClosed
)

func (k ChannelEventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventFrame:
		return "frame"
	case EventStatus:
		return "status"
	case EventTransportError:
		return "transport_error"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// ChannelEvent is one event on a channel's normalized stream. Frame is set
// for EventFrame, Err for EventTransportError and terminal EventClosed.
type ChannelEvent struct {
	Kind    ChannelEventKind
	Frame   *domain.Frame
	Message string
	Err     error
}

// EventHandler consumes channel events. Handlers are invoked sequentially
// from the channel's reader; they must not block.
type EventHandler func(ChannelEvent)

// ChannelParams carries the handshake parameters for opening a channel.
type ChannelParams struct {
	SessionID       domain.SessionID
	CameraID        domain.CameraID
	Quality         domain.QualityTier
	Mobile          bool
	RequestInterval time.Duration
}

// FrameChannel is one live transport backing a session. Close is idempotent
// and suppresses any further events.
type FrameChannel interface {
	Close() error
}

// Pacer is implemented by channels whose frame-request rate can be adjusted
// while the channel is live.
type Pacer interface {
	SetPace(interval time.Duration)
}

// ChannelFactory dials a transport and starts its event pump. The handler
// receives events until the channel is closed.
type ChannelFactory interface {
	Open(ctx context.Context, p ChannelParams, handler EventHandler) (FrameChannel, error)
}

// ChannelSupervisor owns reconnect policy and exclusive channel ownership
// for one session id.
type ChannelSupervisor interface {
	// Open establishes a channel for the given params, closing any prior
	// channel for the same supervisor first. It returns immediately; connect
	// progress is reported through the handler.
	Open(ctx context.Context, p ChannelParams, handler EventHandler) error
	// SetPace adjusts the live channel's request pacing, if supported.
	SetPace(interval time.Duration)
	// Close tears down the channel and cancels any pending reconnect timer.
	// Safe to call multiple times and before a connect completes.
	Close()
}

// NetworkProfileProvider reports the device/network class used for quality
// advice. Platforms without connection information report ConnectionUnknown.
type NetworkProfileProvider interface {
	Profile() domain.NetworkProfile
	// Subscribe registers a callback invoked on profile changes. The
	// returned cancel func removes the subscription.
	Subscribe(fn func(domain.NetworkProfile)) (cancel func())
}
