package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"labstream/internal/core/domain"
	"labstream/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockStreamingAPI struct {
	mock.Mock
}

func (m *mockStreamingAPI) AllocateSession(ctx context.Context, cameraID domain.CameraID, quality domain.QualityTier) (*domain.StreamSession, error) {
	args := m.Called(ctx, cameraID, quality)
	if s := args.Get(0); s != nil {
		return s.(*domain.StreamSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStreamingAPI) ReleaseSession(ctx context.Context, id domain.SessionID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockStreamingAPI) StreamingStatus(ctx context.Context) (*domain.AggregateStreamingStatus, error) {
	args := m.Called(ctx)
	if s := args.Get(0); s != nil {
		return s.(*domain.AggregateStreamingStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStreamingAPI) ListCameras(ctx context.Context) ([]*domain.Camera, error) {
	args := m.Called(ctx)
	if c := args.Get(0); c != nil {
		return c.([]*domain.Camera), args.Error(1)
	}
	return nil, args.Error(1)
}

// fakeSupervisor records calls and lets tests drive channel events.
type fakeSupervisor struct {
	mu      sync.Mutex
	opens   []ports.ChannelParams
	handler ports.EventHandler
	closes  int
	paces   []time.Duration
}

func (f *fakeSupervisor) Open(ctx context.Context, p ports.ChannelParams, handler ports.EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, p)
	f.handler = handler
	return nil
}

func (f *fakeSupervisor) SetPace(interval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paces = append(f.paces, interval)
}

func (f *fakeSupervisor) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeSupervisor) emit(ev ports.ChannelEvent) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (f *fakeSupervisor) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func (f *fakeSupervisor) lastOpen() ports.ChannelParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[len(f.opens)-1]
}

func (f *fakeSupervisor) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeProfiles is a minimal in-test NetworkProfileProvider.
type fakeProfiles struct {
	mu      sync.Mutex
	profile domain.NetworkProfile
	subs    []func(domain.NetworkProfile)
}

func (p *fakeProfiles) Profile() domain.NetworkProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

func (p *fakeProfiles) Subscribe(fn func(domain.NetworkProfile)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
	return func() {}
}

func (p *fakeProfiles) update(profile domain.NetworkProfile) {
	p.mu.Lock()
	p.profile = profile
	subs := append([]func(domain.NetworkProfile){}, p.subs...)
	p.mu.Unlock()
	for _, fn := range subs {
		fn(profile)
	}
}

func desktopProfiles() *fakeProfiles {
	return &fakeProfiles{profile: domain.NetworkProfile{
		DeviceClass:    domain.DeviceDesktop,
		ConnectionType: domain.ConnectionUnknown,
	}}
}

func testSession() *domain.StreamSession {
	return &domain.StreamSession{
		ID:       "sess-1",
		CameraID: "cam-1",
		Quality:  domain.QualityHigh,
	}
}

func newTestController(api *mockStreamingAPI, sup *fakeSupervisor, profiles *fakeProfiles) *SessionController {
	return NewSessionController("cam-1", api, sup, NewQualityAdvisor(), profiles, nil, zap.NewNop())
}

func TestControllerStartToStreaming(t *testing.T) {
	api := &mockStreamingAPI{}
	sup := &fakeSupervisor{}
	ctrl := newTestController(api, sup, desktopProfiles())

	api.On("AllocateSession", mock.Anything, domain.CameraID("cam-1"), domain.QualityHigh).
		Return(testSession(), nil)

	require.NoError(t, ctrl.Start(context.Background()))
	assert.Equal(t, domain.StateConnecting, ctrl.GetSnapshot().State)

	params := sup.lastOpen()
	assert.Equal(t, domain.SessionID("sess-1"), params.SessionID)
	assert.Equal(t, domain.QualityHigh, params.Quality)
	assert.False(t, params.Mobile)

	sup.emit(ports.ChannelEvent{Kind: ports.EventConnected})
	assert.Equal(t, domain.StateStreaming, ctrl.GetSnapshot().State)

	sup.emit(ports.ChannelEvent{Kind: ports.EventFrame, Frame: &domain.Frame{
		SessionID:  "sess-1",
		ReceivedAt: time.Now(),
		Payload:    []byte("jpeg"),
		Sequence:   1,
	}})

	snap := ctrl.GetSnapshot()
	require.NotNil(t, snap.Frame)
	assert.Equal(t, []byte("jpeg"), snap.Frame.Payload)
	assert.Equal(t, uint64(1), snap.Metrics.FramesReceived)
	assert.Equal(t, uint64(4), snap.Metrics.BytesReceived)

	api.AssertExpectations(t)
}

func TestControllerCapacityReachedLeavesIdle(t *testing.T) {
	api := &mockStreamingAPI{}
	sup := &fakeSupervisor{}
	ctrl := newTestController(api, sup, desktopProfiles())

	api.On("AllocateSession", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, domain.ErrCapacityReached)

	err := ctrl.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrCapacityReached)

	// No channel was opened and there is nothing to release.
	assert.Equal(t, 0, sup.openCount())
	assert.Equal(t, domain.StateIdle, ctrl.GetSnapshot().State)
	api.AssertNotCalled(t, "ReleaseSession", mock.Anything, mock.Anything)

	// The failure is not sticky: a later attempt can succeed.
	api.ExpectedCalls = nil
	api.On("AllocateSession", mock.Anything, mock.Anything, mock.Anything).
		Return(testSession(), nil)
	require.NoError(t, ctrl.Start(context.Background()))
}

func TestControllerStopIsIdempotent(t *testing.T) {
	api := &mockStreamingAPI{}
	sup := &fakeSupervisor{}
	ctrl := newTestController(api, sup, desktopProfiles())

	api.On("AllocateSession", mock.Anything, mock.Anything, mock.Anything).
		Return(testSession(), nil)
	api.On("ReleaseSession", mock.Anything, domain.SessionID("sess-1")).
		Return(nil).Once()

	require.NoError(t, ctrl.Start(context.Background()))
	sup.emit(ports.ChannelEvent{Kind: ports.EventConnected})

	ctrl.Stop()
	ctrl.Stop()
	ctrl.Stop()

	assert.Equal(t, domain.StateClosed, ctrl.GetSnapshot().State)
	// Release went out exactly once, Close at least once.
	api.AssertExpectations(t)
	assert.GreaterOrEqual(t, sup.closeCount(), 1)
}

func TestControllerMailboxKeepsLatestFrame(t *testing.T) {
	api := &mockStreamingAPI{}
	sup := &fakeSupervisor{}
	ctrl := newTestController(api, sup, desktopProfiles())

	api.On("AllocateSession", mock.Anything, mock.Anything, mock.Anything).
		Return(testSession(), nil)

	require.NoError(t, ctrl.Start(context.Background()))
	sup.emit(ports.ChannelEvent{Kind: ports.EventConnected})

	for i := 1; i <= 3; i++ {
		sup.emit(ports.ChannelEvent{Kind: ports.EventFrame, Frame: &domain.Frame{
			SessionID: "sess-1",
			Payload:   []byte{byte(i)},
			Sequence:  uint64(i),
		}})
	}

	snap := ctrl.GetSnapshot()
	require.NotNil(t, snap.Frame)
	assert.Equal(t, uint64(3), snap.Frame.Sequence)
	assert.Equal(t, uint64(3), snap.Metrics.FramesReceived)
	// Two frames were overwritten before anyone looked at them.
	assert.Equal(t, uint64(2), snap.Metrics.FramesDropped)

	// An observed frame that gets replaced is not a drop.
	sup.emit(ports.ChannelEvent{Kind: ports.EventFrame, Frame: &domain.Frame{
		SessionID: "sess-1",
		Payload:   []byte{4},
		Sequence:  4,
	}})
	assert.Equal(t, uint64(2), ctrl.GetSnapshot().Metrics.FramesDropped)
}

func TestControllerDegradedOnReconnect(t *testing.T) {
	api := &mockStreamingAPI{}
	sup := &fakeSupervisor{}
	ctrl := newTestController(api, sup, desktopProfiles())

	api.On("AllocateSession", mock.Anything, mock.Anything, mock.Anything).
		Return(testSession(), nil)

	require.NoError(t, ctrl.Start(context.Background()))
	sup.emit(ports.ChannelEvent{Kind: ports.EventConnected})

	sup.emit(ports.ChannelEvent{Kind: ports.EventStatus, Message: "reconnecting"})
	snap := ctrl.GetSnapshot()
	assert.Equal(t, domain.StateDegraded, snap.State)
	assert.Equal(t, 1, snap.Metrics.Reconnects)

	// Reconnect succeeded: back to streaming.
	sup.emit(ports.ChannelEvent{Kind: ports.EventConnected})
	assert.Equal(t, domain.StateStreaming, ctrl.GetSnapshot().State)
}

func TestControllerTerminalLossReleasesOnce(t *testing.T) {
	api := &mockStreamingAPI{}
	sup := &fakeSupervisor{}
	ctrl := newTestController(api, sup, desktopProfiles())

	api.On("AllocateSession", mock.Anything, mock.Anything, mock.Anything).
		Return(testSession(), nil)
	api.On("ReleaseSession", mock.Anything, domain.SessionID("sess-1")).
		Return(nil).Once()

	require.NoError(t, ctrl.Start(context.Background()))
	sup.emit(ports.ChannelEvent{Kind: ports.EventConnected})
	sup.emit(ports.ChannelEvent{Kind: ports.EventClosed, Err: assert.AnError})

	assert.Equal(t, domain.StateError, ctrl.GetSnapshot().State)

	// A later Stop must not release again.
	ctrl.Stop()
	api.AssertExpectations(t)
}

func TestControllerReleaseFailureDoesNotBlockTeardown(t *testing.T) {
	api := &mockStreamingAPI{}
	sup := &fakeSupervisor{}
	ctrl := newTestController(api, sup, desktopProfiles())

	api.On("AllocateSession", mock.Anything, mock.Anything, mock.Anything).
		Return(testSession(), nil)
	api.On("ReleaseSession", mock.Anything, mock.Anything).
		Return(domain.ErrBackendUnavailable)

	require.NoError(t, ctrl.Start(context.Background()))
	sup.emit(ports.ChannelEvent{Kind: ports.EventConnected})

	ctrl.Stop()
	assert.Equal(t, domain.StateClosed, ctrl.GetSnapshot().State)
}

func TestControllerStopDuringAllocateReleasesSession(t *testing.T) {
	api := &mockStreamingAPI{}
	sup := &fakeSupervisor{}
	ctrl := newTestController(api, sup, desktopProfiles())

	gate := make(chan struct{})
	released := make(chan domain.SessionID, 1)

	api.On("AllocateSession", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-gate }).
		Return(testSession(), nil)
	api.On("ReleaseSession", mock.Anything, domain.SessionID("sess-1")).
		Run(func(args mock.Arguments) { released <- args.Get(1).(domain.SessionID) }).
		Return(nil).Once()

	startErr := make(chan error, 1)
	go func() { startErr <- ctrl.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return ctrl.GetSnapshot().State == domain.StateRequesting
	}, time.Second, time.Millisecond)

	// Stop lands while Start is parked in the backend allocate.
	ctrl.Stop()
	assert.Equal(t, domain.StateClosed, ctrl.GetSnapshot().State)

	// The allocate then succeeds anyway: the slot must be handed back and
	// no channel may come up.
	close(gate)
	assert.ErrorIs(t, <-startErr, domain.ErrSessionClosed)

	select {
	case id := <-released:
		assert.Equal(t, domain.SessionID("sess-1"), id)
	case <-time.After(time.Second):
		t.Fatal("allocated session was not released")
	}

	assert.Equal(t, 0, sup.openCount())
	assert.Equal(t, domain.StateClosed, ctrl.GetSnapshot().State)
	api.AssertExpectations(t)
}

func TestControllerStopCancelsInFlightAllocate(t *testing.T) {
	api := &mockStreamingAPI{}
	sup := &fakeSupervisor{}
	ctrl := newTestController(api, sup, desktopProfiles())

	api.On("AllocateSession", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled)

	startErr := make(chan error, 1)
	go func() { startErr <- ctrl.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return ctrl.GetSnapshot().State == domain.StateRequesting
	}, time.Second, time.Millisecond)

	// Stop must not wait out the allocate timeout: it cancels the call.
	ctrl.Stop()

	select {
	case err := <-startErr:
		assert.ErrorIs(t, err, domain.ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop cancelled the allocate")
	}

	// Nothing was allocated, so nothing is released.
	api.AssertNotCalled(t, "ReleaseSession", mock.Anything, mock.Anything)
	assert.Equal(t, 0, sup.openCount())
	assert.Equal(t, domain.StateClosed, ctrl.GetSnapshot().State)
}

func TestControllerDuplicateFrameKeepsPayload(t *testing.T) {
	api := &mockStreamingAPI{}
	sup := &fakeSupervisor{}
	ctrl := newTestController(api, sup, desktopProfiles())

	api.On("AllocateSession", mock.Anything, mock.Anything, mock.Anything).
		Return(testSession(), nil)

	require.NoError(t, ctrl.Start(context.Background()))
	sup.emit(ports.ChannelEvent{Kind: ports.EventConnected})

	frame := domain.Frame{SessionID: "sess-1", Payload: []byte("jpeg"), Sequence: 5}

	sup.emit(ports.ChannelEvent{Kind: ports.EventFrame, Frame: &frame})
	first := ctrl.GetSnapshot()

	// The backend repeating the same frame message must not change what is
	// shown, and an already observed frame being replaced is not a drop.
	duplicate := frame
	sup.emit(ports.ChannelEvent{Kind: ports.EventFrame, Frame: &duplicate})
	second := ctrl.GetSnapshot()

	require.NotNil(t, second.Frame)
	assert.Equal(t, first.Frame.Payload, second.Frame.Payload)
	assert.Equal(t, first.Frame.Sequence, second.Frame.Sequence)
	assert.Equal(t, uint64(2), second.Metrics.FramesReceived)
	assert.Equal(t, uint64(0), second.Metrics.FramesDropped)
}

func TestControllerStartWhileActiveFails(t *testing.T) {
	api := &mockStreamingAPI{}
	sup := &fakeSupervisor{}
	ctrl := newTestController(api, sup, desktopProfiles())

	api.On("AllocateSession", mock.Anything, mock.Anything, mock.Anything).
		Return(testSession(), nil)

	require.NoError(t, ctrl.Start(context.Background()))
	assert.ErrorIs(t, ctrl.Start(context.Background()), domain.ErrSessionActive)
	assert.Equal(t, 1, sup.openCount())
}

func TestControllerCycleQualityReopensChannel(t *testing.T) {
	api := &mockStreamingAPI{}
	sup := &fakeSupervisor{}
	ctrl := newTestController(api, sup, desktopProfiles())

	api.On("AllocateSession", mock.Anything, mock.Anything, mock.Anything).
		Return(testSession(), nil)

	require.NoError(t, ctrl.Start(context.Background()))
	sup.emit(ports.ChannelEvent{Kind: ports.EventConnected})

	// Desktop auto tier is high; the first cycle pins low.
	assert.Equal(t, domain.QualityLow, ctrl.CycleQuality())
	assert.Equal(t, 2, sup.openCount())
	assert.Equal(t, domain.QualityLow, sup.lastOpen().Quality)

	assert.Equal(t, domain.QualityMedium, ctrl.CycleQuality())
	assert.Equal(t, domain.QualityHigh, ctrl.CycleQuality())
	assert.Equal(t, domain.QualityLow, ctrl.CycleQuality())
}

func TestControllerProfileChangeAdjustsPace(t *testing.T) {
	api := &mockStreamingAPI{}
	sup := &fakeSupervisor{}
	profiles := &fakeProfiles{profile: domain.NetworkProfile{
		DeviceClass:    domain.DeviceMobile,
		ConnectionType: domain.Connection4G,
	}}
	ctrl := newTestController(api, sup, profiles)

	api.On("AllocateSession", mock.Anything, mock.Anything, domain.QualityMedium).
		Return(testSession(), nil)

	require.NoError(t, ctrl.Start(context.Background()))
	sup.emit(ports.ChannelEvent{Kind: ports.EventConnected})

	// Network downgrade slows the frame-request pace to the low tier's rate.
	profiles.update(domain.NetworkProfile{
		DeviceClass:    domain.DeviceMobile,
		ConnectionType: domain.Connection2G,
	})

	sup.mu.Lock()
	paces := append([]time.Duration{}, sup.paces...)
	sup.mu.Unlock()
	require.NotEmpty(t, paces)
	assert.Equal(t, time.Second/8, paces[len(paces)-1])
}
