package transport

import (
	"context"
	"sync"
	"time"

	"labstream/internal/core/ports"

	"go.uber.org/zap"
)

// Supervisor owns the channel lifecycle for one session: it enforces that at
// most one live channel exists for the session id, schedules a single
// reconnect attempt after an unplanned loss, and guarantees that teardown
// cancels any pending reconnect timer. It never reconnects after Close.
type Supervisor struct {
	factory        ports.ChannelFactory
	logger         *zap.SugaredLogger
	reconnectDelay time.Duration

	mu         sync.Mutex
	params     ports.ChannelParams
	handler    ports.EventHandler
	ch         ports.FrameChannel
	dialCancel context.CancelFunc
	timer      *time.Timer
	stopped    bool
	retried    bool
	generation int
}

func NewSupervisor(factory ports.ChannelFactory, reconnectDelay time.Duration, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		factory:        factory,
		reconnectDelay: reconnectDelay,
		logger:         logger.Sugar(),
	}
}

// Open establishes a channel for the given params. Any prior channel owned
// by this supervisor is closed first, so a session id never has two live
// transports. The call returns immediately; connect progress arrives through
// the handler.
func (s *Supervisor) Open(ctx context.Context, p ports.ChannelParams, handler ports.EventHandler) error {
	s.mu.Lock()
	s.stopped = false
	s.retried = false
	s.generation++
	gen := s.generation
	s.params = p
	s.handler = handler
	s.cancelTimerLocked()
	s.closeChannelLocked()

	dialCtx, cancel := context.WithCancel(ctx)
	s.dialCancel = cancel
	s.mu.Unlock()

	go s.connect(dialCtx, gen)
	return nil
}

// SetPace adjusts the live channel's request pacing and is remembered for
// any subsequent reconnect.
func (s *Supervisor) SetPace(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.RequestInterval = interval
	if p, ok := s.ch.(ports.Pacer); ok {
		p.SetPace(interval)
	}
}

// Close tears down the channel, cancels any in-flight dial and any pending
// reconnect timer. Safe to call multiple times, including before a connect
// completes; no events are delivered afterwards.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cancelTimerLocked()
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.closeChannelLocked()
	s.handler = nil
}

// HasLiveChannel reports whether a channel is currently open.
func (s *Supervisor) HasLiveChannel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch != nil
}

// HasPendingReconnect reports whether a reconnect timer is armed.
func (s *Supervisor) HasPendingReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Supervisor) connect(ctx context.Context, gen int) {
	ch, err := s.factory.Open(ctx, s.channelParams(), func(ev ports.ChannelEvent) {
		s.onEvent(gen, ev)
	})

	s.mu.Lock()
	if s.stopped || gen != s.generation {
		s.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		return
	}

	if err != nil {
		s.logger.Warnw("channel open failed",
			"session_id", s.params.SessionID, "error", err)
		forward, handler := s.handleLossLocked(ports.ChannelEvent{Kind: ports.EventClosed, Err: err})
		s.mu.Unlock()
		if handler != nil {
			handler(forward)
		}
		return
	}

	s.ch = ch
	s.logger.Infow("channel open",
		"session_id", s.params.SessionID, "quality", s.params.Quality)
	s.mu.Unlock()
}

func (s *Supervisor) channelParams() ports.ChannelParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *Supervisor) onEvent(gen int, ev ports.ChannelEvent) {
	s.mu.Lock()
	if s.stopped || gen != s.generation {
		s.mu.Unlock()
		return
	}

	forward := ev
	switch ev.Kind {
	case ports.EventConnected:
		// A fresh loss gets a fresh reconnect budget.
		s.retried = false
	case ports.EventClosed:
		forward, _ = s.handleLossLocked(ev)
	}

	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		handler(forward)
	}
}

// handleLossLocked decides whether an unplanned loss is retried. The first
// loss arms a single reconnect timer and is reported as a status event; a
// loss during or after the retry is forwarded as terminal.
func (s *Supervisor) handleLossLocked(ev ports.ChannelEvent) (ports.ChannelEvent, ports.EventHandler) {
	s.closeChannelLocked()

	if s.retried {
		s.logger.Warnw("channel lost after reconnect attempt, giving up",
			"session_id", s.params.SessionID, "error", ev.Err)
		return ev, s.handler
	}

	s.retried = true
	s.logger.Infow("channel lost, scheduling reconnect",
		"session_id", s.params.SessionID, "delay", s.reconnectDelay, "error", ev.Err)
	s.timer = time.AfterFunc(s.reconnectDelay, s.redial)

	return ports.ChannelEvent{Kind: ports.EventStatus, Message: "reconnecting"}, s.handler
}

func (s *Supervisor) redial() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	gen := s.generation
	s.closeChannelLocked()

	dialCtx, cancel := context.WithCancel(context.Background())
	if s.dialCancel != nil {
		s.dialCancel()
	}
	s.dialCancel = cancel
	s.mu.Unlock()

	go s.connect(dialCtx, gen)
}

func (s *Supervisor) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Supervisor) closeChannelLocked() {
	if s.ch != nil {
		s.ch.Close()
		s.ch = nil
	}
}
