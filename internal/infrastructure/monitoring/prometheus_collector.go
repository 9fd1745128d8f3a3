package monitoring

import (
	"sync"
	"time"

	"labstream/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StreamingCollector exports the console's streaming counters to Prometheus.
// It implements the controllers' metrics recorder interface.
type StreamingCollector struct {
	sessionsActive prometheus.Gauge

	framesReceived *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	bytesReceived  *prometheus.CounterVec
	reconnects     *prometheus.CounterVec

	sessionState *prometheus.GaugeVec

	allocateDuration *prometheus.HistogramVec

	mu   sync.Mutex
	live map[domain.CameraID]bool
}

func NewStreamingCollector() *StreamingCollector {
	return &StreamingCollector{
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "labstream_sessions_active",
			Help: "Number of streaming sessions currently live",
		}),

		framesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "labstream_frames_received_total",
			Help: "Frames received per camera",
		}, []string{"camera_id"}),

		framesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "labstream_frames_dropped_total",
			Help: "Frames overwritten before being observed, per camera",
		}, []string{"camera_id"}),

		bytesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "labstream_frame_bytes_received_total",
			Help: "Encoded frame bytes received per camera",
		}, []string{"camera_id"}),

		reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "labstream_reconnects_total",
			Help: "Reconnect attempts scheduled per camera",
		}, []string{"camera_id"}),

		sessionState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labstream_session_state",
			Help: "Current session state per camera (1 for the active state)",
		}, []string{"camera_id", "state"}),

		allocateDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labstream_session_allocate_duration_seconds",
			Help:    "Duration of backend session allocation calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"outcome"}),

		live: make(map[domain.CameraID]bool),
	}
}

func (c *StreamingCollector) FrameReceived(camera domain.CameraID, bytes int) {
	c.framesReceived.WithLabelValues(string(camera)).Inc()
	c.bytesReceived.WithLabelValues(string(camera)).Add(float64(bytes))
}

func (c *StreamingCollector) FrameDropped(camera domain.CameraID) {
	c.framesDropped.WithLabelValues(string(camera)).Inc()
}

func (c *StreamingCollector) ReconnectScheduled(camera domain.CameraID) {
	c.reconnects.WithLabelValues(string(camera)).Inc()
}

func (c *StreamingCollector) SessionStateChanged(camera domain.CameraID, state domain.ConnectionState) {
	for _, s := range []domain.ConnectionState{
		domain.StateIdle, domain.StateRequesting, domain.StateConnecting,
		domain.StateStreaming, domain.StateDegraded, domain.StateStopping,
		domain.StateClosed, domain.StateError,
	} {
		value := 0.0
		if s == state {
			value = 1.0
		}
		c.sessionState.WithLabelValues(string(camera), string(s)).Set(value)
	}

	// The active gauge counts cameras with a live channel. Degraded still
	// counts as live; only a terminal state frees the slot.
	c.mu.Lock()
	switch state {
	case domain.StateStreaming, domain.StateDegraded:
		if !c.live[camera] {
			c.live[camera] = true
			c.sessionsActive.Inc()
		}
	case domain.StateClosed, domain.StateError:
		if c.live[camera] {
			delete(c.live, camera)
			c.sessionsActive.Dec()
		}
	}
	c.mu.Unlock()
}

func (c *StreamingCollector) AllocateObserved(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.allocateDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
