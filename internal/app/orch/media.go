package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

// openMedia creates the per-call media session and routes its callbacks to
// the loop. Called off the loop.
func (o *Orchestrator) openMedia(gen uint64, id domain.CallID) (core.MediaSession, error) {
	m, err := o.deps.Media.NewSession(id)
	if err != nil {
		return nil, fmt.Errorf("media session: %w: %w", domain.ErrDeviceUnavailable, err)
	}
	m.OnLocalCandidate(func(c domain.ICECandidate) {
		o.post(event{gen: gen, fn: func(s *session) { o.onLocalCandidate(s, c) }})
	})
	m.OnConnectivity(func(c core.Connectivity) {
		o.post(event{gen: gen, fn: func(s *session) { o.onConnectivity(s, c) }})
	})
	return m, nil
}

// acquire opens local capture and adds it to the peer connection.
func acquire(ctx context.Context, m core.MediaSession, video bool) error {
	if _, err := m.Acquire(ctx, video); err != nil {
		return err
	}
	if err := m.Attach(); err != nil {
		return fmt.Errorf("attach: %w: %w", domain.ErrDeviceUnavailable, err)
	}
	return nil
}

func teardownAsync(id domain.CallID, m core.MediaSession) {
	if m == nil {
		return
	}
	go func() {
		if err := m.Teardown(); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("call", string(id)).Msg("teardown abandoned media")
		}
	}()
}

// adoptMedia stores the media session and applies toggles made before it existed.
func (o *Orchestrator) adoptMedia(s *session, m core.MediaSession) {
	if m == nil {
		return
	}
	s.media = m
	if s.muted {
		m.SetMuted(true)
	}
	if s.cameraOff {
		m.SetCameraEnabled(false)
	}
}

func (o *Orchestrator) onLocalCandidate(s *session, c domain.ICECandidate) {
	if s.outbox == nil {
		s.pendingLocal = append(s.pendingLocal, c)
		return
	}
	s.outbox.push(c)
}

// openOutbox starts publishing local candidates once the record exists.
// Candidates are appended in the order the media session produced them.
func (o *Orchestrator) openOutbox(s *session) {
	if s.outbox != nil {
		return
	}
	s.outbox = newOutbox()
	for _, c := range s.pendingLocal {
		s.outbox.push(c)
	}
	s.pendingLocal = nil

	gen, id, role, ctx, out := s.gen, s.id, s.role, s.ctx, s.outbox
	go func() {
		for {
			batch, ok := out.next()
			if !ok {
				return
			}
			for _, c := range batch {
				err := o.deps.Signal.AppendLocalCandidate(ctx, id, role, c)
				if err == nil {
					continue
				}
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				o.post(event{gen: gen, fn: func(s *session) { o.onSignalError(s, err) }})
				return
			}
		}
	}()
}

func (o *Orchestrator) closeOutbox(s *session) {
	if s.outbox != nil {
		s.outbox.close()
		s.outbox = nil
	}
	s.pendingLocal = nil
}

func (o *Orchestrator) onConnectivity(s *session, c core.Connectivity) {
	switch c {
	case core.ConnConnected:
		if s.state != domain.StateConnecting {
			return
		}
		o.stopTimer(s)
		s.state = domain.StateConnected
		s.startedAt = o.clock.Now()
		log.Info().Str("module", "app.orch").Str("call", string(s.id)).Str("role", s.role.String()).Msg("connected")
		o.publish()
	case core.ConnFailed, core.ConnClosed:
		if s.state != domain.StateConnecting && s.state != domain.StateConnected {
			return
		}
		o.end(s, domain.EndTransportFailure, fmt.Errorf("%w: ice %s", domain.ErrTransportFailure, c))
	}
}

// watchRemoteCandidates feeds the other side's candidates straight into the
// media session, which buffers them until the remote description is set.
func (o *Orchestrator) watchRemoteCandidates(s *session) error {
	m, gen, id := s.media, s.gen, s.id
	unsub, err := o.deps.Signal.SubscribeToRemoteCandidates(s.ctx, s.id, s.role,
		func(c domain.ICECandidate) {
			if err := m.AddRemoteCandidate(c); err != nil {
				log.Warn().Err(err).Str("module", "app.orch").Str("call", string(id)).Msg("remote candidate rejected")
			}
		},
		func(err error) {
			o.post(event{gen: gen, fn: func(s *session) { o.onSignalError(s, err) }})
		})
	if err != nil {
		return err
	}
	s.subs.Add("candidates", unsub)
	return nil
}

func (o *Orchestrator) watchRecord(s *session) error {
	gen := s.gen
	unsub, err := o.deps.Signal.SubscribeToRecord(s.ctx, s.id,
		func(ev core.RecordEvent) {
			o.post(event{gen: gen, fn: func(s *session) { o.onRecord(s, ev) }})
		},
		func(err error) {
			o.post(event{gen: gen, fn: func(s *session) { o.onSignalError(s, err) }})
		})
	if err != nil {
		return err
	}
	s.subs.Add("record", unsub)
	return nil
}

func (o *Orchestrator) onSignalError(s *session, err error) {
	var decodeErr *domain.DecodeError
	if errors.As(err, &decodeErr) {
		o.end(s, domain.EndNegotiationFailed, err)
		return
	}
	o.end(s, domain.ReasonFor(err, domain.EndSignalingUnavailable), err)
}

func (o *Orchestrator) SetMuted(ctx context.Context, muted bool) error {
	var err error
	if xerr := o.exec(ctx, func() {
		s := o.sess
		switch {
		case s == nil:
			err = domain.ErrNoCall
		case !s.state.InCall():
			err = domain.ErrInvalidState
		default:
			s.muted = muted
			if s.media != nil {
				s.media.SetMuted(muted)
			}
			o.publish()
		}
	}); xerr != nil {
		return xerr
	}
	return err
}

func (o *Orchestrator) SetCameraEnabled(ctx context.Context, enabled bool) error {
	var err error
	if xerr := o.exec(ctx, func() {
		s := o.sess
		switch {
		case s == nil:
			err = domain.ErrNoCall
		case !s.state.InCall() || !s.video:
			err = domain.ErrInvalidState
		default:
			s.cameraOff = !enabled
			if s.media != nil {
				s.media.SetCameraEnabled(enabled)
			}
			o.publish()
		}
	}); xerr != nil {
		return xerr
	}
	return err
}
