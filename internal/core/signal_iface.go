package core

import (
	"context"

	"github.com/dkeye/callsig/internal/domain"
)

// RecordEvent is one observation of a signaling record. Gone is set when
// the document was deleted, Record is nil then.
type RecordEvent struct {
	Record *domain.SignalingRecord
	Gone   bool
}

type IncomingEvent struct {
	Kind   ChangeKind
	CallID domain.CallID
	Record *domain.SignalingRecord
}

// Signaling relays negotiation between the two participants of a call.
type Signaling interface {
	CreateCallRecord(ctx context.Context, rec domain.SignalingRecord) error
	SubmitAnswer(ctx context.Context, callID domain.CallID, answer domain.SessionDescription) error
	GetRecord(ctx context.Context, callID domain.CallID) (*domain.SignalingRecord, error)
	AppendLocalCandidate(ctx context.Context, callID domain.CallID, role domain.Role, c domain.ICECandidate) error

	SubscribeToRecord(ctx context.Context, callID domain.CallID, onChange func(RecordEvent), onError func(error)) (Unsubscribe, error)
	SubscribeToRemoteCandidates(ctx context.Context, callID domain.CallID, role domain.Role, onCandidate func(domain.ICECandidate), onError func(error)) (Unsubscribe, error)
	SubscribeToIncomingRinging(ctx context.Context, pid domain.ParticipantID, onIncoming func(IncomingEvent), onError func(error)) (Unsubscribe, error)

	MarkEnded(ctx context.Context, callID domain.CallID, by domain.ParticipantID, reason domain.EndReason) error
	DeleteRecord(ctx context.Context, callID domain.CallID) error
}
