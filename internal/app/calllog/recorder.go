// Package calllog writes one transcript entry per finished call.
package calllog

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

const DefaultCapacity = 1024

var ErrNoCallID = errors.New("call log entry without call id")

// Recorder is idempotent per call id. Ids already written are remembered in a
// bounded set; the transcript document id is derived from the call id as well,
// so a duplicate that slips past an evicted mark overwrites instead of adding.
type Recorder struct {
	transcript core.Transcript
	seen       *lru.Cache[domain.CallID, struct{}]
}

var _ core.CallRecorder = (*Recorder)(nil)

func New(t core.Transcript, capacity int) (*Recorder, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	seen, err := lru.New[domain.CallID, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &Recorder{transcript: t, seen: seen}, nil
}

func (r *Recorder) Record(ctx context.Context, e domain.CallLogEntry) error {
	if e.CallID == "" {
		return ErrNoCallID
	}
	if dup, _ := r.seen.ContainsOrAdd(e.CallID, struct{}{}); dup {
		log.Debug().Str("module", "app.calllog").Str("call", string(e.CallID)).Msg("duplicate call log ignored")
		return nil
	}
	if err := r.transcript.AppendCallLog(ctx, e); err != nil {
		// let a later attempt retry
		r.seen.Remove(e.CallID)
		return fmt.Errorf("append call log: %w", err)
	}
	if err := r.transcript.UpdateSummary(ctx, e); err != nil {
		return fmt.Errorf("update conversation summary: %w", err)
	}
	log.Info().
		Str("module", "app.calllog").
		Str("call", string(e.CallID)).
		Str("conversation", string(e.ConversationID)).
		Str("outcome", string(e.Outcome)).
		Msg("call logged")
	return nil
}
