// Package signal relays call negotiation through the document store.
package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

const callsCollection = "calls"

// ErrorObserver counts store failures by operation.
type ErrorObserver interface {
	SignalingError(op string)
}

type Option func(*Channel)

func WithErrorObserver(o ErrorObserver) Option { return func(c *Channel) { c.obs = o } }

type Channel struct {
	store core.DocStore
	obs   ErrorObserver
}

var _ core.Signaling = (*Channel)(nil)

func NewChannel(store core.DocStore, opts ...Option) *Channel {
	c := &Channel{store: store}
	for _, o := range opts {
		o(c)
	}
	return c
}

func recordPath(id domain.CallID) string { return core.Join(callsCollection, string(id)) }

func candidatesPath(id domain.CallID, sub string) string {
	return core.Join(callsCollection, string(id), sub)
}

func (c *Channel) CreateCallRecord(ctx context.Context, rec domain.SignalingRecord) error {
	rec.Status = domain.StatusRinging
	if err := rec.Validate(); err != nil {
		return err
	}
	data := map[string]any{
		"offer":      descriptionData(*rec.Offer),
		"callerId":   string(rec.CallerID),
		"callerName": rec.CallerName,
		"receiverId": string(rec.ReceiverID),
		"status":     string(domain.StatusRinging),
		"isVideo":    rec.IsVideo,
		"createdAt":  core.ServerTimestamp,
	}
	if err := c.store.Set(ctx, recordPath(rec.ID), data); err != nil {
		return c.fail("create", err)
	}
	log.Info().Str("module", "signal").Str("call", string(rec.ID)).Str("receiver", string(rec.ReceiverID)).Msg("call record created")
	return nil
}

// SubmitAnswer writes the answer and flips the status to connected in one
// transaction. A record deleted or ended in the meantime yields ErrRecordGone.
func (c *Channel) SubmitAnswer(ctx context.Context, id domain.CallID, answer domain.SessionDescription) error {
	err := c.store.UpdateFunc(ctx, recordPath(id), func(cur core.Snapshot) (map[string]any, error) {
		if !cur.Exists {
			return nil, domain.ErrRecordGone
		}
		rec, err := decodeRecord(id, cur.Data)
		if err != nil {
			return nil, err
		}
		if rec.Status == domain.StatusEnded {
			return nil, domain.ErrRecordGone
		}
		if rec.Answer != nil {
			return nil, fmt.Errorf("answer already present: %w", domain.ErrInvalidState)
		}
		return map[string]any{
			"answer": descriptionData(answer),
			"status": string(domain.StatusConnected),
		}, nil
	})
	if err != nil {
		return c.fail("answer", err)
	}
	log.Info().Str("module", "signal").Str("call", string(id)).Msg("answer submitted")
	return nil
}

// GetRecord fetches and validates the record. An ended record counts as gone.
func (c *Channel) GetRecord(ctx context.Context, id domain.CallID) (*domain.SignalingRecord, error) {
	snap, err := c.store.Get(ctx, recordPath(id))
	if err != nil {
		return nil, c.fail("get", err)
	}
	rec, err := decodeRecord(id, snap.Data)
	if err != nil {
		return nil, err
	}
	if rec.Status == domain.StatusEnded {
		return nil, domain.ErrRecordGone
	}
	return rec, nil
}

func (c *Channel) AppendLocalCandidate(ctx context.Context, id domain.CallID, role domain.Role, cand domain.ICECandidate) error {
	if _, err := c.store.Add(ctx, candidatesPath(id, domain.CandidateCollection(role)), candidateData(cand)); err != nil {
		return c.fail("candidate", err)
	}
	return nil
}

func (c *Channel) SubscribeToRecord(ctx context.Context, id domain.CallID, onChange func(core.RecordEvent), onError func(error)) (core.Unsubscribe, error) {
	unsub, err := c.store.WatchDoc(ctx, recordPath(id), func(snap core.Snapshot) {
		if !snap.Exists {
			onChange(core.RecordEvent{Gone: true})
			return
		}
		rec, err := decodeRecord(id, snap.Data)
		if err != nil {
			onError(err)
			return
		}
		onChange(core.RecordEvent{Record: rec})
	}, func(err error) { onError(c.fail("watch record", err)) })
	if err != nil {
		return nil, c.fail("watch record", err)
	}
	return unsub, nil
}

// SubscribeToRemoteCandidates delivers the other role's candidates in append order.
func (c *Channel) SubscribeToRemoteCandidates(ctx context.Context, id domain.CallID, role domain.Role, onCandidate func(domain.ICECandidate), onError func(error)) (core.Unsubscribe, error) {
	path := candidatesPath(id, domain.RemoteCandidateCollection(role))
	unsub, err := c.store.WatchCollection(ctx, path, nil, func(ch core.DocChange) {
		if ch.Kind != core.Added {
			return
		}
		cand, err := decodeCandidate(ch.Doc.Path, ch.Doc.Data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("call", string(id)).Msg("skipping malformed candidate")
			return
		}
		onCandidate(cand)
	}, func(err error) { onError(c.fail("watch candidates", err)) })
	if err != nil {
		return nil, c.fail("watch candidates", err)
	}
	return unsub, nil
}

// SubscribeToIncomingRinging reports ringing records addressed to pid as they
// appear and when they stop ringing.
func (c *Channel) SubscribeToIncomingRinging(ctx context.Context, pid domain.ParticipantID, onIncoming func(core.IncomingEvent), onError func(error)) (core.Unsubscribe, error) {
	filters := []core.Filter{
		{Field: "receiverId", Value: string(pid)},
		{Field: "status", Value: string(domain.StatusRinging)},
	}
	unsub, err := c.store.WatchCollection(ctx, callsCollection, filters, func(ch core.DocChange) {
		id := domain.CallID(ch.Doc.ID)
		switch ch.Kind {
		case core.Added:
			rec, err := decodeRecord(id, ch.Doc.Data)
			if err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("call", string(id)).Msg("skipping malformed incoming call")
				return
			}
			onIncoming(core.IncomingEvent{Kind: core.Added, CallID: id, Record: rec})
		case core.Removed:
			onIncoming(core.IncomingEvent{Kind: core.Removed, CallID: id})
		}
	}, func(err error) { onError(c.fail("watch incoming", err)) })
	if err != nil {
		return nil, c.fail("watch incoming", err)
	}
	return unsub, nil
}

// MarkEnded is a no-op when the record is already gone.
func (c *Channel) MarkEnded(ctx context.Context, id domain.CallID, by domain.ParticipantID, reason domain.EndReason) error {
	err := c.store.Update(ctx, recordPath(id), map[string]any{
		"status":    string(domain.StatusEnded),
		"endedBy":   string(by),
		"endReason": string(reason),
	})
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return c.fail("mark ended", err)
	}
	log.Info().Str("module", "signal").Str("call", string(id)).Str("reason", string(reason)).Msg("call record ended")
	return nil
}

// DeleteRecord removes both candidate collections and then the record.
func (c *Channel) DeleteRecord(ctx context.Context, id domain.CallID) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range []string{"offerCandidates", "answerCandidates"} {
		path := candidatesPath(id, sub)
		g.Go(func() error {
			docs, err := c.store.List(gctx, path)
			if err != nil {
				return err
			}
			for _, d := range docs {
				if err := c.store.Delete(gctx, d.Path); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return c.fail("delete candidates", err)
	}
	if err := c.store.Delete(ctx, recordPath(id)); err != nil {
		return c.fail("delete", err)
	}
	log.Info().Str("module", "signal").Str("call", string(id)).Msg("call record deleted")
	return nil
}

// fail maps store errors onto the signaling error vocabulary.
func (c *Channel) fail(op string, err error) error {
	var de *domain.DecodeError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrNotFound):
		return domain.ErrRecordGone
	case errors.Is(err, domain.ErrRecordGone), errors.Is(err, domain.ErrInvalidState), errors.As(err, &de):
		return err
	case errors.Is(err, context.Canceled):
		return err
	}
	if c.obs != nil {
		c.obs.SignalingError(op)
	}
	log.Error().Err(err).Str("module", "signal").Str("op", op).Msg("store failure")
	return fmt.Errorf("%s: %w: %w", op, domain.ErrSignalingUnavailable, err)
}
