package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"labstream/internal/core/domain"
	"labstream/internal/core/ports"

	"go.uber.org/zap"
)

const (
	allocateTimeout = 10 * time.Second
	releaseTimeout  = 5 * time.Second
)

// StreamMetrics receives counters from controllers. Nil is a valid recorder;
// every call site checks before recording.
type StreamMetrics interface {
	FrameReceived(camera domain.CameraID, bytes int)
	FrameDropped(camera domain.CameraID)
	ReconnectScheduled(camera domain.CameraID)
	SessionStateChanged(camera domain.CameraID, state domain.ConnectionState)
	AllocateObserved(d time.Duration, err error)
}

// Snapshot is the controller's externally visible state at one instant.
// Frame is the most recent frame, or nil before the first arrives.
type Snapshot struct {
	CameraID  domain.CameraID
	SessionID domain.SessionID
	State     domain.ConnectionState
	Quality   domain.QualityTier
	Frame     *domain.Frame
	Metrics   domain.SessionMetrics
}

// SessionController drives the full lifecycle of one camera's streaming
// session: allocation against the backend, channel supervision, the
// latest-wins frame mailbox and teardown. A controller owns its session id
// exclusively; nothing else allocates or releases it.
type SessionController struct {
	api      ports.StreamingAPI
	sup      ports.ChannelSupervisor
	advisor  *QualityAdvisor
	profiles ports.NetworkProfileProvider
	metrics  StreamMetrics
	logger   *zap.SugaredLogger

	cameraID domain.CameraID

	mu          sync.Mutex
	state       domain.ConnectionState
	session     *domain.StreamSession
	frame       *domain.Frame
	frameTaken  bool
	counters    domain.SessionMetrics
	released    bool
	allocCancel context.CancelFunc
	unsubscribe func()
}

func NewSessionController(
	cameraID domain.CameraID,
	api ports.StreamingAPI,
	sup ports.ChannelSupervisor,
	advisor *QualityAdvisor,
	profiles ports.NetworkProfileProvider,
	metrics StreamMetrics,
	logger *zap.Logger,
) *SessionController {
	return &SessionController{
		api:      api,
		sup:      sup,
		advisor:  advisor,
		profiles: profiles,
		metrics:  metrics,
		logger:   logger.Sugar().With("camera_id", cameraID),
		cameraID: cameraID,
		state:    domain.StateIdle,
	}
}

// Start allocates a session and opens its frame channel. Only valid from
// idle or a terminal state; a live session must be stopped first. Allocation
// failures leave the controller idle so the caller can retry.
func (c *SessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.StateIdle && !c.state.Terminal() {
		c.mu.Unlock()
		return domain.ErrSessionActive
	}
	c.state = domain.StateRequesting
	c.frame = nil
	c.frameTaken = false
	c.counters = domain.SessionMetrics{}
	c.released = false
	c.session = nil
	c.mu.Unlock()

	// A restart starts from automatic quality again.
	c.advisor.ClearOverride()
	if c.metrics != nil {
		c.metrics.SessionStateChanged(c.cameraID, domain.StateRequesting)
	}

	profile := c.profiles.Profile()
	advice := c.advisor.Advise(profile)

	allocCtx, cancel := context.WithTimeout(ctx, allocateTimeout)
	defer cancel()

	// Expose the cancel func so a Stop during the allocate cuts it short.
	c.mu.Lock()
	if c.state != domain.StateRequesting {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	c.allocCancel = cancel
	c.mu.Unlock()

	started := time.Now()
	session, err := c.api.AllocateSession(allocCtx, c.cameraID, advice.Tier)
	if c.metrics != nil {
		c.metrics.AllocateObserved(time.Since(started), err)
	}

	c.mu.Lock()
	c.allocCancel = nil
	interrupted := c.state != domain.StateRequesting
	c.mu.Unlock()

	if interrupted {
		// Stop won the race while the allocate was in flight. If the backend
		// handed out a session anyway, give the slot back.
		if err == nil && session != nil {
			c.logger.Infow("releasing session allocated during stop", "session_id", session.ID)
			c.releaseSession(session.ID)
		}
		return domain.ErrSessionClosed
	}

	if err != nil {
		c.setState(domain.StateIdle)
		if errors.Is(err, domain.ErrCapacityReached) {
			c.logger.Warnw("session capacity reached")
			return err
		}
		c.logger.Errorw("session allocation failed", "error", err)
		return err
	}

	c.mu.Lock()
	c.session = session
	c.state = domain.StateConnecting
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SessionStateChanged(c.cameraID, domain.StateConnecting)
	}

	c.logger.Infow("session allocated",
		"session_id", session.ID, "quality", advice.Tier, "fps", advice.FPS)

	params := ports.ChannelParams{
		SessionID:       session.ID,
		CameraID:        c.cameraID,
		Quality:         advice.Tier,
		Mobile:          profile.DeviceClass == domain.DeviceMobile,
		RequestInterval: advice.RequestInterval,
	}

	// The channel outlives the Start call; its lifetime is bounded by Stop.
	if err := c.sup.Open(context.Background(), params, c.onChannelEvent); err != nil {
		c.terminate(domain.StateError)
		return err
	}

	c.mu.Lock()
	c.unsubscribe = c.profiles.Subscribe(func(p domain.NetworkProfile) {
		adv := c.advisor.Advise(p)
		c.sup.SetPace(adv.RequestInterval)
	})
	c.mu.Unlock()

	return nil
}

// Stop tears the session down: channel first, then the backend release.
// Idempotent; calling it on an already stopped controller does nothing, and
// the backend release happens at most once per session.
func (c *SessionController) Stop() {
	c.mu.Lock()
	if c.state == domain.StateIdle || c.state == domain.StateStopping || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = domain.StateStopping
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	allocCancel := c.allocCancel
	c.allocCancel = nil
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SessionStateChanged(c.cameraID, domain.StateStopping)
	}

	// Abort a connect that has not finished yet; Start observes the state
	// change and discards whatever the allocate returns.
	if allocCancel != nil {
		allocCancel()
	}

	c.sup.Close()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.releaseOnce()
	c.setState(domain.StateClosed)
	c.logger.Infow("session stopped")
}

// CycleQuality advances the manual quality override and, if a channel is
// live, reopens it so the new tier takes effect. Returns the tier now in
// effect.
func (c *SessionController) CycleQuality() domain.QualityTier {
	profile := c.profiles.Profile()
	tier := c.advisor.CycleOverride(profile)
	advice := c.advisor.Advise(profile)

	c.mu.Lock()
	session := c.session
	live := c.state == domain.StateStreaming || c.state == domain.StateDegraded ||
		c.state == domain.StateConnecting
	c.mu.Unlock()

	if live && session != nil {
		c.logger.Infow("quality override applied", "quality", tier)
		err := c.sup.Open(context.Background(), ports.ChannelParams{
			SessionID:       session.ID,
			CameraID:        c.cameraID,
			Quality:         tier,
			Mobile:          profile.DeviceClass == domain.DeviceMobile,
			RequestInterval: advice.RequestInterval,
		}, c.onChannelEvent)
		if err != nil {
			c.logger.Warnw("channel reopen for quality override failed",
				"quality", tier, "error", err)
		}
	}
	return tier
}

// GetSnapshot returns the current state, counters and the latest frame. The
// frame stays available to later snapshots; the mailbox only tracks whether
// it was observed so overwrites of unseen frames count as drops.
func (c *SessionController) GetSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		CameraID: c.cameraID,
		State:    c.state,
		Frame:    c.frame,
		Metrics:  c.counters,
	}
	if c.session != nil {
		snap.SessionID = c.session.ID
		snap.Quality = c.session.Quality
	}
	c.frameTaken = true
	return snap
}

// CameraID returns the camera this controller drives.
func (c *SessionController) CameraID() domain.CameraID {
	return c.cameraID
}

// LocalSession returns the owned session annotated with the live state, or
// nil when none is allocated.
func (c *SessionController) LocalSession() *domain.StreamSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	s.State = c.state
	return &s
}

func (c *SessionController) onChannelEvent(ev ports.ChannelEvent) {
	switch ev.Kind {
	case ports.EventConnected:
		c.mu.Lock()
		c.state = domain.StateStreaming
		if c.counters.ConnectedAt.IsZero() {
			c.counters.ConnectedAt = time.Now()
		}
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.SessionStateChanged(c.cameraID, domain.StateStreaming)
		}
		c.logger.Infow("channel connected")

	case ports.EventFrame:
		c.storeFrame(ev.Frame)

	case ports.EventStatus:
		if ev.Message == "reconnecting" {
			c.mu.Lock()
			c.state = domain.StateDegraded
			c.counters.Reconnects++
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.ReconnectScheduled(c.cameraID)
				c.metrics.SessionStateChanged(c.cameraID, domain.StateDegraded)
			}
			c.logger.Warnw("channel lost, reconnecting")
		}

	case ports.EventTransportError:
		// Backend-reported soft error. The channel stays up.
		c.logger.Warnw("transport reported error", "message", ev.Message, "error", ev.Err)

	case ports.EventClosed:
		c.onChannelLost(ev.Err)
	}
}

func (c *SessionController) storeFrame(f *domain.Frame) {
	if f == nil {
		return
	}
	c.mu.Lock()
	if c.state != domain.StateStreaming && c.state != domain.StateDegraded {
		// Late frame after teardown began. Drop it.
		c.mu.Unlock()
		return
	}
	if c.frame != nil && !c.frameTaken {
		c.counters.FramesDropped++
		if c.metrics != nil {
			c.metrics.FrameDropped(c.cameraID)
		}
	}
	c.frame = f
	c.frameTaken = false
	c.counters.FramesReceived++
	c.counters.BytesReceived += uint64(len(f.Payload))
	c.counters.LastFrameAt = f.ReceivedAt
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.FrameReceived(c.cameraID, len(f.Payload))
	}
}

// onChannelLost handles a terminal channel close: the supervisor already
// exhausted its single reconnect. Cleanup mirrors Stop so both paths leave
// the same end state.
func (c *SessionController) onChannelLost(err error) {
	c.mu.Lock()
	if c.state == domain.StateStopping || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Errorw("channel closed", "error", err)
	} else {
		c.logger.Infow("channel closed by backend")
	}

	c.sup.Close()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.releaseOnce()

	if err != nil {
		c.setState(domain.StateError)
	} else {
		c.setState(domain.StateClosed)
	}
}

func (c *SessionController) terminate(state domain.ConnectionState) {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	c.sup.Close()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.releaseOnce()
	c.setState(state)
}

// releaseOnce frees the backend session at most once. Release failures are
// logged and swallowed: local teardown must complete regardless.
func (c *SessionController) releaseOnce() {
	c.mu.Lock()
	if c.released || c.session == nil {
		c.mu.Unlock()
		return
	}
	c.released = true
	id := c.session.ID
	c.mu.Unlock()

	c.releaseSession(id)
}

func (c *SessionController) releaseSession(id domain.SessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := c.api.ReleaseSession(ctx, id); err != nil {
		c.logger.Warnw("session release failed", "session_id", id, "error", err)
	}
}

func (c *SessionController) setState(state domain.ConnectionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SessionStateChanged(c.cameraID, state)
	}
}
