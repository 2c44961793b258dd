// Package transcript writes call log messages into conversation documents.
package transcript

import (
	"context"
	"fmt"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

const (
	conversations = "conversations"
	messages      = "messages"
)

type Store struct {
	docs core.DocStore
}

var _ core.Transcript = (*Store)(nil)

func New(docs core.DocStore) *Store {
	return &Store{docs: docs}
}

// MessagePath is the deterministic location of the call log message.
func MessagePath(conv domain.ConversationID, id domain.CallID) string {
	return core.Join(conversations, string(conv), messages, "call_"+string(id))
}

func (s *Store) AppendCallLog(ctx context.Context, e domain.CallLogEntry) error {
	var duration any
	if e.Duration != nil {
		duration = *e.Duration
	}
	data := map[string]any{
		"type":       "call",
		"text":       e.Text(),
		"senderId":   string(e.SenderID),
		"callerId":   string(e.CallerID),
		"receiverId": string(e.ReceiverID),
		"callStatus": string(e.Outcome),
		"duration":   duration,
		"isVideo":    e.IsVideo,
		"timestamp":  core.ServerTimestamp,
		"read":       false,
	}
	if e.Reason != "" {
		data["endReason"] = string(e.Reason)
	}
	if err := s.docs.Set(ctx, MessagePath(e.ConversationID, e.CallID), data); err != nil {
		return fmt.Errorf("write call message: %w", err)
	}
	return nil
}

// UpdateSummary points the conversation preview at the call and marks it
// unread for the participant who did not send it.
func (s *Store) UpdateSummary(ctx context.Context, e domain.CallLogEntry) error {
	other := e.ReceiverID
	if e.SenderID == e.ReceiverID {
		other = e.CallerID
	}
	data := map[string]any{
		"lastMessage":     e.Text(),
		"lastMessageType": "call",
		"lastSenderId":    string(e.SenderID),
		"unreadFor":       string(other),
		"lastUpdate":      core.ServerTimestamp,
	}
	if err := s.docs.Merge(ctx, core.Join(conversations, string(e.ConversationID)), data); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}
