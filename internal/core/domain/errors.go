package domain

import "errors"

var (
	ErrCapacityReached    = errors.New("session capacity reached")
	ErrBackendUnavailable = errors.New("streaming backend unavailable")
	ErrSessionClosed      = errors.New("session closed")
	ErrSessionActive      = errors.New("session already active")
	ErrChannelClosed      = errors.New("channel closed")
	ErrNoActiveSession    = errors.New("no active session")
	ErrCameraNotFound     = errors.New("camera not found")
)
