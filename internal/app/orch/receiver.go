package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

type acceptResult struct {
	media  core.MediaSession
	answer domain.SessionDescription
	err    error
}

func (o *Orchestrator) onIncoming(ev core.IncomingEvent) {
	switch ev.Kind {
	case core.Added:
		if ev.Record == nil || ev.Record.CallerID == o.local.ID {
			return
		}
		if s := o.sess; s != nil {
			if s.id != ev.CallID {
				log.Info().
					Str("module", "app.orch").
					Str("call", string(ev.CallID)).
					Str("active", string(s.id)).
					Msg("busy, ignoring incoming call")
			}
			return
		}
		rec := ev.Record
		s := o.newSession(ev.CallID, domain.RoleReceiver, rec.Caller(), rec.IsVideo)
		s.state = domain.StateRingingIncoming
		s.hasRecord = true
		o.armTimer(s, o.opts.RingTimeout, domain.EndNoAnswer)
		if err := o.watchRecord(s); err != nil {
			o.end(s, domain.EndSignalingUnavailable, err)
			return
		}
		log.Info().
			Str("module", "app.orch").
			Str("call", string(s.id)).
			Str("caller", string(rec.CallerID)).
			Bool("video", rec.IsVideo).
			Msg("incoming call")
		o.publish()
		o.notifyIncoming(s.id, rec.CallerName)
	case core.Removed:
		if s := o.sess; s != nil && s.id == ev.CallID && s.state == domain.StateRingingIncoming {
			o.endByRemote(s, "")
		}
	}
}

func (o *Orchestrator) notifyIncoming(id domain.CallID, callerName string) {
	if o.deps.Notifier == nil {
		return
	}
	o.goTask(func() {
		ctx, cancel := o.opContext(context.Background())
		defer cancel()
		if err := o.deps.Notifier.NotifyIncomingCall(ctx, callerName, id); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("call", string(id)).Msg("incoming call notification failed")
		}
	})
}

// Accept answers the ringing incoming call and blocks until the answer is
// written or the attempt failed.
func (o *Orchestrator) Accept(ctx context.Context) error {
	var (
		reply chan error
		err   error
	)
	if xerr := o.exec(ctx, func() { reply, err = o.startAccept() }); xerr != nil {
		return xerr
	}
	if err != nil {
		return err
	}
	return await(ctx, reply)
}

func (o *Orchestrator) startAccept() (chan error, error) {
	s := o.sess
	if s == nil {
		return nil, domain.ErrNoCall
	}
	if s.role != domain.RoleReceiver || s.state != domain.StateRingingIncoming {
		return nil, domain.ErrInvalidState
	}
	s.state = domain.StateConnecting
	s.reply = make(chan error, 1)
	o.armTimer(s, o.opts.ConnectTimeout, domain.EndNegotiationFailed)
	log.Info().Str("module", "app.orch").Str("call", string(s.id)).Msg("accepting")
	o.publish()

	gen, id, video, ctx := s.gen, s.id, s.video, s.ctx
	go func() {
		res := o.prepareAnswer(ctx, gen, id, video)
		o.post(event{
			gen:   gen,
			fn:    func(s *session) { o.onAnswerReady(s, res) },
			stale: func() { teardownAsync(id, res.media) },
		})
	}()
	return s.reply, nil
}

// prepareAnswer acquires media with the record's video flag and answers the
// stored offer. The offer is read and validated before any answer exists.
func (o *Orchestrator) prepareAnswer(ctx context.Context, gen uint64, id domain.CallID, video bool) (res acceptResult) {
	opCtx, cancel := o.opContext(ctx)
	defer cancel()

	res.media, res.err = o.openMedia(gen, id)
	if res.err != nil {
		return
	}
	if res.err = acquire(opCtx, res.media, video); res.err != nil {
		return
	}
	rec, err := o.deps.Signal.GetRecord(opCtx, id)
	if err != nil {
		res.err = err
		return
	}
	res.answer, err = res.media.AcceptOffer(opCtx, *rec.Offer)
	if err != nil {
		res.err = fmt.Errorf("answer: %w", err)
	}
	return
}

func (o *Orchestrator) onAnswerReady(s *session, res acceptResult) {
	o.adoptMedia(s, res.media)
	if res.err != nil {
		if errors.Is(res.err, domain.ErrRecordGone) {
			o.endByRemote(s, "")
			return
		}
		o.end(s, domain.ReasonFor(res.err, domain.EndNegotiationFailed), res.err)
		return
	}
	if err := o.watchRemoteCandidates(s); err != nil {
		o.end(s, domain.EndSignalingUnavailable, err)
		return
	}

	gen, id, ctx, answer := s.gen, s.id, s.ctx, res.answer
	go func() {
		opCtx, cancel := o.opContext(ctx)
		defer cancel()
		err := o.deps.Signal.SubmitAnswer(opCtx, id, answer)
		o.post(event{gen: gen, fn: func(s *session) { o.onAnswerSubmitted(s, err) }})
	}()
}

func (o *Orchestrator) onAnswerSubmitted(s *session, err error) {
	if err != nil {
		if errors.Is(err, domain.ErrRecordGone) {
			o.endByRemote(s, "")
			return
		}
		o.end(s, domain.ReasonFor(err, domain.EndSignalingUnavailable), err)
		return
	}
	s.answerApplied = true
	o.openOutbox(s)
	log.Info().Str("module", "app.orch").Str("call", string(s.id)).Msg("answer submitted")
	s.resolve(nil)
}

// Decline rejects the ringing incoming call. No answer is ever written.
func (o *Orchestrator) Decline(ctx context.Context) error {
	var err error
	if xerr := o.exec(ctx, func() {
		s := o.sess
		switch {
		case s == nil:
			err = domain.ErrNoCall
		case s.role != domain.RoleReceiver || s.state != domain.StateRingingIncoming:
			err = domain.ErrInvalidState
		default:
			o.end(s, domain.EndDeclined, nil)
		}
	}); xerr != nil {
		return xerr
	}
	return err
}

// Hangup ends whatever call is active. Ringing incoming calls are declined.
func (o *Orchestrator) Hangup(ctx context.Context) error {
	var err error
	if xerr := o.exec(ctx, func() {
		s := o.sess
		switch {
		case s == nil:
			err = domain.ErrNoCall
		case s.state == domain.StateRingingIncoming:
			o.end(s, domain.EndDeclined, nil)
		case s.state == domain.StateDialing || s.state == domain.StateRingingOutgoing:
			o.end(s, domain.EndCancelled, nil)
		default:
			o.end(s, domain.EndHangup, nil)
		}
	}); xerr != nil {
		return xerr
	}
	return err
}
