package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

type DialRequest struct {
	Receiver domain.Participant
	Video    bool
}

type dialResult struct {
	media         core.MediaSession
	recordCreated bool
	err           error
}

// Dial places a call and blocks until the receiver's record is ringing or the
// attempt failed. A second Dial while any call exists fails with ErrBusy.
func (o *Orchestrator) Dial(ctx context.Context, req DialRequest) (domain.CallID, error) {
	if err := req.Receiver.ID.Validate(); err != nil {
		return "", err
	}
	if req.Receiver.ID == o.local.ID {
		return "", fmt.Errorf("call to self: %w", domain.ErrInvalidState)
	}
	var (
		id    domain.CallID
		reply chan error
		err   error
	)
	if xerr := o.exec(ctx, func() { id, reply, err = o.startDial(req) }); xerr != nil {
		return "", xerr
	}
	if err != nil {
		return "", err
	}
	return id, await(ctx, reply)
}

func (o *Orchestrator) startDial(req DialRequest) (domain.CallID, chan error, error) {
	if o.sess != nil {
		return "", nil, domain.ErrBusy
	}
	s := o.newSession(domain.NewCallID(), domain.RoleCaller, req.Receiver, req.Video)
	s.state = domain.StateDialing
	s.reply = make(chan error, 1)
	o.armTimer(s, o.opts.RingTimeout, domain.EndNoAnswer)
	log.Info().
		Str("module", "app.orch").
		Str("call", string(s.id)).
		Str("receiver", string(req.Receiver.ID)).
		Bool("video", req.Video).
		Msg("dialing")
	o.publish()

	gen, id, ctx := s.gen, s.id, s.ctx
	go func() {
		res := o.prepareCall(ctx, gen, id, req)
		o.post(event{
			gen:   gen,
			fn:    func(s *session) { o.onDialed(s, res) },
			stale: func() { o.abandonDial(id, res) },
		})
	}()
	return s.id, s.reply, nil
}

// prepareCall runs the slow part of dialing off the loop: reachability,
// local media, offer and the signaling record.
func (o *Orchestrator) prepareCall(ctx context.Context, gen uint64, id domain.CallID, req DialRequest) (res dialResult) {
	opCtx, cancel := o.opContext(ctx)
	defer cancel()

	presence, err := o.deps.Presence.GetPresence(opCtx, req.Receiver.ID)
	if err != nil {
		res.err = fmt.Errorf("presence: %w: %w", domain.ErrSignalingUnavailable, err)
		return
	}
	if !presence.Reachable() {
		res.err = fmt.Errorf("%s is %s: %w", req.Receiver.ID, presence, domain.ErrReceiverUnavailable)
		return
	}
	if o.deps.Blocks != nil {
		blocked, err := o.deps.Blocks.IsBlocked(opCtx, domain.ConversationOf(o.local.ID, req.Receiver.ID), o.local.ID)
		if err != nil {
			res.err = fmt.Errorf("block check: %w: %w", domain.ErrSignalingUnavailable, err)
			return
		}
		if blocked {
			res.err = domain.ErrBlocked
			return
		}
	}

	res.media, res.err = o.openMedia(gen, id)
	if res.err != nil {
		return
	}
	if res.err = acquire(opCtx, res.media, req.Video); res.err != nil {
		return
	}
	offer, err := res.media.CreateOffer(opCtx)
	if err != nil {
		res.err = fmt.Errorf("offer: %w", err)
		return
	}
	rec := domain.SignalingRecord{
		ID:         id,
		Offer:      &offer,
		CallerID:   o.local.ID,
		CallerName: o.local.Name,
		ReceiverID: req.Receiver.ID,
		IsVideo:    req.Video,
	}
	if res.err = o.deps.Signal.CreateCallRecord(opCtx, rec); res.err != nil {
		return
	}
	res.recordCreated = true
	return
}

func (o *Orchestrator) onDialed(s *session, res dialResult) {
	o.adoptMedia(s, res.media)
	s.hasRecord = res.recordCreated
	if res.err != nil {
		o.end(s, domain.ReasonFor(res.err, domain.EndNegotiationFailed), res.err)
		return
	}
	if err := o.watchRecord(s); err != nil {
		o.end(s, domain.EndSignalingUnavailable, err)
		return
	}
	if err := o.watchRemoteCandidates(s); err != nil {
		o.end(s, domain.EndSignalingUnavailable, err)
		return
	}
	o.openOutbox(s)
	s.state = domain.StateRingingOutgoing
	log.Info().Str("module", "app.orch").Str("call", string(s.id)).Msg("ringing")
	o.publish()
	s.resolve(nil)
}

// abandonDial cleans up after a dial whose call ended while it was in flight.
func (o *Orchestrator) abandonDial(id domain.CallID, res dialResult) {
	teardownAsync(id, res.media)
	if res.recordCreated {
		log.Info().Str("module", "app.orch").Str("call", string(id)).Msg("removing record of abandoned dial")
		o.reclaim(id, domain.EndCancelled)
	}
}

func (o *Orchestrator) onRecord(s *session, ev core.RecordEvent) {
	if ev.Gone {
		o.endByRemote(s, "")
		return
	}
	rec := ev.Record
	if rec.Status == domain.StatusEnded {
		o.endByRemote(s, rec.EndReason)
		return
	}
	if s.role == domain.RoleCaller && rec.Answer != nil && !s.answerApplied {
		o.applyAnswer(s, *rec.Answer)
	}
}

// applyAnswer is only valid while waiting for the receiver. Answers seen in
// any later state are ignored.
func (o *Orchestrator) applyAnswer(s *session, answer domain.SessionDescription) {
	if s.state != domain.StateDialing && s.state != domain.StateRingingOutgoing {
		return
	}
	if s.media == nil {
		return
	}
	if err := s.media.ApplyAnswer(answer); err != nil {
		o.end(s, domain.EndNegotiationFailed, err)
		return
	}
	s.answerApplied = true
	s.state = domain.StateConnecting
	o.armTimer(s, o.opts.ConnectTimeout, domain.EndNegotiationFailed)
	log.Info().Str("module", "app.orch").Str("call", string(s.id)).Msg("answer applied")
	o.publish()
}

// endByRemote ends a call the other side already closed. The record is theirs
// to clean up.
func (o *Orchestrator) endByRemote(s *session, theirs domain.EndReason) {
	s.quiet = true
	switch {
	case s.role == domain.RoleReceiver && s.state == domain.StateRingingIncoming:
		o.end(s, domain.EndCancelled, nil)
	case s.role == domain.RoleCaller && theirs == domain.EndDeclined:
		o.end(s, domain.EndDeclined, nil)
	default:
		o.end(s, domain.EndRemoteEnded, nil)
	}
}
