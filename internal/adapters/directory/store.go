// Package directory answers presence and block questions from the user and
// conversation documents other clients maintain.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

type Store struct {
	docs core.DocStore
}

var (
	_ core.PresenceLookup = (*Store)(nil)
	_ core.BlockChecker   = (*Store)(nil)
)

func New(docs core.DocStore) *Store {
	return &Store{docs: docs}
}

// GetPresence reads users/{uid}.status. A missing user is offline; a user
// without an explicit offline or away status counts as online.
func (s *Store) GetPresence(ctx context.Context, uid domain.ParticipantID) (domain.Presence, error) {
	snap, err := s.docs.Get(ctx, core.Join("users", string(uid)))
	switch {
	case errors.Is(err, core.ErrNotFound):
		return domain.PresenceOffline, nil
	case err != nil:
		return "", fmt.Errorf("read user %s: %w", uid, err)
	}
	status, _ := snap.Data["status"].(string)
	switch domain.Presence(status) {
	case domain.PresenceOffline:
		return domain.PresenceOffline, nil
	case domain.PresenceAway:
		return domain.PresenceAway, nil
	}
	return domain.PresenceOnline, nil
}

// IsBlocked reports whether conversations/{conv}.blockedBy names anyone.
// uid is accepted for checkers that only honour the other side's block.
func (s *Store) IsBlocked(ctx context.Context, conv domain.ConversationID, _ domain.ParticipantID) (bool, error) {
	snap, err := s.docs.Get(ctx, core.Join("conversations", string(conv)))
	switch {
	case errors.Is(err, core.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("read conversation %s: %w", conv, err)
	}
	switch v := snap.Data["blockedBy"].(type) {
	case []any:
		return len(v) > 0, nil
	case []string:
		return len(v) > 0, nil
	case string:
		return v != "", nil
	}
	return false, nil
}

// SetPresence writes the local user's status, merged into the user document.
func (s *Store) SetPresence(ctx context.Context, uid domain.ParticipantID, p domain.Presence) error {
	return s.docs.Merge(ctx, core.Join("users", string(uid)), map[string]any{
		"status":   string(p),
		"lastSeen": core.ServerTimestamp,
	})
}
