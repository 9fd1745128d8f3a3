package transport

import (
	"strings"

	"labstream/internal/core/domain"
	"labstream/internal/core/ports"

	"go.uber.org/zap"
)

// NewFactory returns the channel factory for the configured transport kind.
// The base URL is the backend's HTTP base; the WebSocket factory derives the
// ws/wss scheme from it.
func NewFactory(kind domain.TransportKind, baseURL, token string, logger *zap.Logger) ports.ChannelFactory {
	if kind == domain.TransportMJPEG {
		return NewMJPEGFactory(baseURL, token, logger)
	}
	return NewWebSocketFactory(WebSocketBaseURL(baseURL), token, logger)
}

// WebSocketBaseURL converts an http(s) base URL to its ws(s) equivalent.
func WebSocketBaseURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}
