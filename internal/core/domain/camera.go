package domain

import "time"

// Camera is one entry of the lab's camera inventory.
type Camera struct {
	ID       CameraID
	Name     string
	Location string
	Online   bool
}

// SessionStatus is the backend's view of one allocated session, as reported
// by the aggregate status endpoint.
type SessionStatus struct {
	SessionID     SessionID
	CameraID      CameraID
	Quality       QualityTier
	BandwidthMbps float64
	CreatedAt     time.Time
}

// AggregateStreamingStatus is a read-only snapshot composed from a backend
// status poll plus locally owned sessions. It is replaced wholesale on each
// refresh, never merged in place.
type AggregateStreamingStatus struct {
	Enabled            bool
	ActiveSessionCount int
	MaxSessions        int
	TotalBandwidthMbps float64
	Sessions           []SessionStatus
	LocalSessions      []StreamSession
	RefreshedAt        time.Time
}
