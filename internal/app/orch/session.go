package orch

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

// session is the one active call. It is only touched on the loop goroutine.
type session struct {
	gen    uint64
	id     domain.CallID
	role   domain.Role
	local  domain.Participant
	remote domain.Participant
	video  bool

	state     domain.State
	startedAt time.Time
	timer     *clock.Timer
	muted     bool
	cameraOff bool

	// hasRecord is set once the record is known to exist: created by us as
	// caller, or observed as receiver.
	hasRecord     bool
	answerApplied bool
	// quiet ends skip marking the record ended, the other side owns that.
	quiet bool

	media        core.MediaSession
	subs         *subscriptionSet
	outbox       *outbox
	pendingLocal []domain.ICECandidate

	ctx    context.Context
	cancel context.CancelFunc
	reply  chan error
}

func (o *Orchestrator) newSession(id domain.CallID, role domain.Role, remote domain.Participant, video bool) *session {
	o.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		gen:    o.gen,
		id:     id,
		role:   role,
		local:  o.local,
		remote: remote,
		video:  video,
		subs:   newSubscriptionSet(id),
		ctx:    ctx,
		cancel: cancel,
	}
	o.sess = s
	if o.deps.Telemetry != nil {
		o.deps.Telemetry.CallStarted(role)
	}
	return s
}

// resolve hands err to whoever waits on Dial or Accept, once.
func (s *session) resolve(err error) {
	if s.reply != nil {
		s.reply <- err
		s.reply = nil
	}
}

func (s *session) snapshot() domain.CallSnapshot {
	snap := domain.CallSnapshot{
		CallID:        s.id,
		Role:          s.role,
		State:         s.state,
		Remote:        s.remote,
		Video:         s.video,
		Muted:         s.muted,
		CameraEnabled: s.video && !s.cameraOff,
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	return snap
}

func (s *session) conversation() domain.ConversationID {
	return domain.ConversationOf(s.local.ID, s.remote.ID)
}

func (o *Orchestrator) armTimer(s *session, d time.Duration, reason domain.EndReason) {
	o.stopTimer(s)
	gen := s.gen
	s.timer = o.clock.AfterFunc(d, func() {
		o.post(event{gen: gen, fn: func(s *session) { o.onTimeout(s, reason) }})
	})
}

func (o *Orchestrator) stopTimer(s *session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (o *Orchestrator) onTimeout(s *session, reason domain.EndReason) {
	switch reason {
	case domain.EndNoAnswer:
		if !s.state.Ringing() {
			return
		}
		// A receiver that gave up ringing leaves the record to the caller.
		if s.role == domain.RoleReceiver {
			s.quiet = true
		}
		o.end(s, domain.EndNoAnswer, domain.ErrNegotiationTimeout)
	default:
		if s.state != domain.StateConnecting {
			return
		}
		o.end(s, reason, domain.ErrNegotiationTimeout)
	}
}
