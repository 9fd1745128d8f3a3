package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"labstream/internal/core/domain"
	"labstream/internal/core/ports"

	"go.uber.org/zap"
)

// StreamingRegistry tracks every controller the console runs and maintains
// an aggregate status snapshot: the backend's view from a periodic poll plus
// the locally owned sessions. Readers always see a complete snapshot; each
// refresh replaces it wholesale.
type StreamingRegistry struct {
	api      ports.StreamingAPI
	logger   *zap.SugaredLogger
	interval time.Duration

	mu          sync.RWMutex
	controllers map[domain.CameraID]*SessionController

	snapshot atomic.Pointer[domain.AggregateStreamingStatus]

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewStreamingRegistry(api ports.StreamingAPI, refreshInterval time.Duration, logger *zap.Logger) *StreamingRegistry {
	r := &StreamingRegistry{
		api:         api,
		logger:      logger.Sugar(),
		interval:    refreshInterval,
		controllers: make(map[domain.CameraID]*SessionController),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	r.snapshot.Store(&domain.AggregateStreamingStatus{})
	return r
}

// Register adds a controller under its camera id, replacing any previous
// registration for the same camera.
func (r *StreamingRegistry) Register(c *SessionController) {
	r.mu.Lock()
	r.controllers[c.CameraID()] = c
	r.mu.Unlock()
}

// Unregister removes the camera's controller. The controller is not stopped;
// lifecycle stays with the caller.
func (r *StreamingRegistry) Unregister(cameraID domain.CameraID) {
	r.mu.Lock()
	delete(r.controllers, cameraID)
	r.mu.Unlock()
}

// Controller returns the registered controller for a camera, or nil.
func (r *StreamingRegistry) Controller(cameraID domain.CameraID) *SessionController {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controllers[cameraID]
}

// Controllers returns the registered controllers in no particular order.
func (r *StreamingRegistry) Controllers() []*SessionController {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SessionController, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c)
	}
	return out
}

// Status returns the latest aggregate snapshot. Never nil; before the first
// refresh completes it is the zero snapshot.
func (r *StreamingRegistry) Status() *domain.AggregateStreamingStatus {
	return r.snapshot.Load()
}

// Refresh polls the backend and rebuilds the snapshot. On poll failure the
// previous backend view is kept and only the local sessions are updated, so
// a flaky backend never blanks the console.
func (r *StreamingRegistry) Refresh(ctx context.Context) error {
	status, err := r.api.StreamingStatus(ctx)
	if err != nil {
		r.logger.Warnw("status poll failed, keeping previous backend view", "error", err)
		prev := r.snapshot.Load()
		next := *prev
		next.LocalSessions = r.localSessions()
		next.RefreshedAt = time.Now()
		r.snapshot.Store(&next)
		return err
	}

	status.LocalSessions = r.localSessions()
	r.snapshot.Store(status)
	return nil
}

func (r *StreamingRegistry) localSessions() []domain.StreamSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.StreamSession
	for _, c := range r.controllers {
		if s := c.LocalSession(); s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// Start launches the periodic refresh loop. An immediate refresh runs first
// so the console does not begin with an empty snapshot.
func (r *StreamingRegistry) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.done)

		r.Refresh(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Refresh(ctx)
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the refresh loop and waits for it to exit.
func (r *StreamingRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started.Load() {
		<-r.done
	}
}
