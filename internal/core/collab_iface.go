package core

import (
	"context"

	"github.com/dkeye/callsig/internal/domain"
)

type PresenceLookup interface {
	GetPresence(ctx context.Context, uid domain.ParticipantID) (domain.Presence, error)
}

// BlockChecker reports whether either participant blocked the conversation.
type BlockChecker interface {
	IsBlocked(ctx context.Context, conv domain.ConversationID, uid domain.ParticipantID) (bool, error)
}

type Notifier interface {
	NotifyIncomingCall(ctx context.Context, callerName string, callID domain.CallID) error
}

type Transcript interface {
	AppendCallLog(ctx context.Context, e domain.CallLogEntry) error
	UpdateSummary(ctx context.Context, e domain.CallLogEntry) error
}

// CallRecorder persists the outcome of a finished call.
type CallRecorder interface {
	Record(ctx context.Context, e domain.CallLogEntry) error
}
