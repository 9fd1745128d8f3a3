package http

import (
	"net/http"
	"time"

	"labstream/internal/core/domain"
	"labstream/internal/core/ports"
	"labstream/internal/core/services"
	"labstream/internal/view"
	apperrors "labstream/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusHandler serves the console's read-only status API: the aggregate
// streaming snapshot, per-camera session snapshots rendered as view models,
// the camera inventory and health. Handlers never mutate controllers.
type StatusHandler struct {
	registry *services.StreamingRegistry
	api      ports.StreamingAPI
}

func NewStatusHandler(registry *services.StreamingRegistry, api ports.StreamingAPI) *StatusHandler {
	return &StatusHandler{
		registry: registry,
		api:      api,
	}
}

func (h *StatusHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/streaming/status", h.GetStreamingStatus)
		api.GET("/sessions/:camera_id", h.GetSessionSnapshot)
		api.GET("/cameras", h.ListCameras)
	}

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (h *StatusHandler) GetStreamingStatus(c *gin.Context) {
	status := h.registry.Status()

	sessions := make([]gin.H, 0, len(status.Sessions))
	for _, s := range status.Sessions {
		sessions = append(sessions, gin.H{
			"session_id":     s.SessionID,
			"camera_id":      s.CameraID,
			"quality":        s.Quality,
			"bandwidth_mbps": s.BandwidthMbps,
			"created_at":     s.CreatedAt.Unix(),
		})
	}

	local := make([]gin.H, 0, len(status.LocalSessions))
	for _, s := range status.LocalSessions {
		local = append(local, gin.H{
			"session_id": s.ID,
			"camera_id":  s.CameraID,
			"quality":    s.Quality,
			"state":      s.State,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"enabled":              status.Enabled,
		"active_session_count": status.ActiveSessionCount,
		"max_sessions":         status.MaxSessions,
		"total_bandwidth_mbps": status.TotalBandwidthMbps,
		"sessions":             sessions,
		"local_sessions":       local,
		"refreshed_at":         status.RefreshedAt.Unix(),
	})
}

func (h *StatusHandler) GetSessionSnapshot(c *gin.Context) {
	cameraID := domain.CameraID(c.Param("camera_id"))

	ctrl := h.registry.Controller(cameraID)
	if ctrl == nil {
		c.Error(apperrors.FromDomain(domain.ErrCameraNotFound).WithContext("camera_id", cameraID))
		return
	}

	snap := ctrl.GetSnapshot()
	vm := view.Render(snap, c.Query("fullscreen") == "true", time.Now())

	c.JSON(http.StatusOK, gin.H{
		"camera_id":   vm.CameraID,
		"session_id":  snap.SessionID,
		"state":       vm.State,
		"status_line": vm.StatusLine,
		"quality":     vm.Quality,
		"image":       vm.ImageDataURI,
		"frame_age_ms": vm.FrameAge.Milliseconds(),
		"metrics": gin.H{
			"frames_received": snap.Metrics.FramesReceived,
			"frames_dropped":  snap.Metrics.FramesDropped,
			"bytes_received":  snap.Metrics.BytesReceived,
			"reconnects":      snap.Metrics.Reconnects,
		},
	})
}

func (h *StatusHandler) ListCameras(c *gin.Context) {
	cameras, err := h.api.ListCameras(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	out := make([]gin.H, 0, len(cameras))
	for _, cam := range cameras {
		out = append(out, gin.H{
			"id":       cam.ID,
			"name":     cam.Name,
			"location": cam.Location,
			"online":   cam.Online,
		})
	}
	c.JSON(http.StatusOK, gin.H{"cameras": out})
}

func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}
