package view

import (
	"encoding/base64"
	"fmt"
	"time"

	"labstream/internal/core/domain"
	"labstream/internal/core/services"
)

// DisplayState is what the surface shows, collapsed from the session's
// connection state.
type DisplayState string

const (
	DisplayWaiting      DisplayState = "waiting"
	DisplayLive         DisplayState = "live"
	DisplayReconnecting DisplayState = "reconnecting"
	DisplayFailed       DisplayState = "failed"
	DisplayStopped      DisplayState = "stopped"
)

// ViewModel is everything a display surface needs to paint one camera tile.
// It is derived from a snapshot and holds no state of its own; rendering the
// same snapshot twice yields the same model.
type ViewModel struct {
	CameraID     domain.CameraID
	State        DisplayState
	StatusLine   string
	ImageDataURI string
	FrameAge     time.Duration
	Quality      domain.QualityTier
	Fullscreen   bool
}

// Render maps a controller snapshot to a view model. Pure function: safe to
// call from any goroutine, at any rate, regardless of session state.
func Render(snap services.Snapshot, fullscreen bool, now time.Time) ViewModel {
	vm := ViewModel{
		CameraID:   snap.CameraID,
		State:      displayState(snap.State),
		Quality:    snap.Quality,
		Fullscreen: fullscreen,
	}

	if snap.Frame != nil {
		vm.ImageDataURI = "data:image/jpeg;base64," +
			base64.StdEncoding.EncodeToString(snap.Frame.Payload)
		vm.FrameAge = now.Sub(snap.Frame.ReceivedAt)
	}

	vm.StatusLine = statusLine(vm, snap)
	return vm
}

func displayState(s domain.ConnectionState) DisplayState {
	switch s {
	case domain.StateStreaming:
		return DisplayLive
	case domain.StateDegraded:
		return DisplayReconnecting
	case domain.StateError:
		return DisplayFailed
	case domain.StateStopping, domain.StateClosed:
		return DisplayStopped
	default:
		return DisplayWaiting
	}
}

func statusLine(vm ViewModel, snap services.Snapshot) string {
	switch vm.State {
	case DisplayLive:
		if vm.ImageDataURI == "" {
			return "connected, waiting for first frame"
		}
		return fmt.Sprintf("live (%s, %d frames)", vm.Quality, snap.Metrics.FramesReceived)
	case DisplayReconnecting:
		return "connection lost, reconnecting"
	case DisplayFailed:
		return "stream failed"
	case DisplayStopped:
		return "stream stopped"
	default:
		return "connecting"
	}
}
