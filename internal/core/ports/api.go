package ports

import (
	"context"

	"labstream/internal/core/domain"
)

// StreamingAPI is the REST surface of the camera backend consumed by the
// streaming core: session allocate/release, aggregate status and the camera
// inventory. Implemented by internal/infrastructure/api.
type StreamingAPI interface {
	AllocateSession(ctx context.Context, cameraID domain.CameraID, quality domain.QualityTier) (*domain.StreamSession, error)
	ReleaseSession(ctx context.Context, id domain.SessionID) error
	StreamingStatus(ctx context.Context) (*domain.AggregateStreamingStatus, error)
	ListCameras(ctx context.Context) ([]*domain.Camera, error)
}
