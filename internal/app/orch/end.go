package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/domain"
)

// end is the only way into Ended. Cleanup is identical for every reason;
// the reason only picks the log classification and the user message.
func (o *Orchestrator) end(s *session, reason domain.EndReason, cause error) {
	if s.state == domain.StateEnded {
		return
	}
	s.state = domain.StateEnded
	o.stopTimer(s)
	s.cancel()
	s.subs.CloseAll()
	o.closeOutbox(s)

	outcome, duration := domain.Classify(s.startedAt, o.clock.Now())

	if s.hasRecord {
		if s.role == domain.RoleCaller {
			o.recordLog(s, reason, outcome, duration)
		}
		if !s.quiet {
			o.reclaim(s.id, reason)
		}
	}

	if s.media != nil {
		if err := s.media.Teardown(); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("call", string(s.id)).Msg("media teardown")
		}
		s.media = nil
	}

	if cause == nil {
		cause = fmt.Errorf("%w: %s", domain.ErrCallEnded, reason)
	}
	s.resolve(cause)

	ev := log.Info()
	if reason != domain.EndHangup && reason != domain.EndRemoteEnded {
		ev = ev.AnErr("cause", cause)
	}
	ev.Str("module", "app.orch").
		Str("call", string(s.id)).
		Str("role", s.role.String()).
		Str("reason", string(reason)).
		Str("outcome", string(outcome)).
		Msg("call ended")

	if o.deps.Telemetry != nil {
		o.deps.Telemetry.CallEnded(s.role, reason, outcome, duration)
	}

	snap := s.snapshot()
	snap.Reason = reason
	snap.Message = reason.Message()
	snap.Outcome = outcome
	snap.Duration = duration
	o.emit(snap)

	if o.sess == s {
		o.sess = nil
	}
	o.emit(domain.CallSnapshot{State: domain.StateIdle})
}

// recordLog writes the call log entry. Only the caller logs, so each call
// produces one entry.
func (o *Orchestrator) recordLog(s *session, reason domain.EndReason, outcome domain.Outcome, duration *int) {
	if o.deps.Recorder == nil {
		return
	}
	entry := domain.CallLogEntry{
		CallID:         s.id,
		ConversationID: s.conversation(),
		SenderID:       s.local.ID,
		CallerID:       s.local.ID,
		ReceiverID:     s.remote.ID,
		Outcome:        outcome,
		Duration:       duration,
		IsVideo:        s.video,
		Reason:         reason,
	}
	o.goTask(func() {
		ctx, cancel := o.opContext(context.Background())
		defer cancel()
		if err := o.deps.Recorder.Record(ctx, entry); err != nil {
			log.Error().Err(err).Str("module", "app.orch").Str("call", string(entry.CallID)).Msg("call log")
		}
	})
}

// reclaim marks the record ended so the other side sees why, then deletes it
// with its candidates after the reclaim delay.
func (o *Orchestrator) reclaim(id domain.CallID, reason domain.EndReason) {
	o.goTask(func() {
		ctx, cancel := o.opContext(context.Background())
		err := o.deps.Signal.MarkEnded(ctx, id, o.local.ID, reason)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("call", string(id)).Msg("mark ended")
		}

		if o.opts.ReclaimDelay > 0 {
			select {
			case <-o.clock.After(o.opts.ReclaimDelay):
			case <-o.stopping:
			}
		}

		ctx, cancel = o.opContext(context.Background())
		defer cancel()
		if err := o.deps.Signal.DeleteRecord(ctx, id); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("call", string(id)).Msg("delete record")
			return
		}
		log.Debug().Str("module", "app.orch").Str("call", string(id)).Msg("record deleted")
	})
}
