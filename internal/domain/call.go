package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CallID string

func NewCallID() CallID {
	return CallID(uuid.NewString())
}

type Role int

const (
	RoleCaller Role = iota + 1
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleReceiver:
		return "receiver"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// RecordStatus is the shared status field of a SignalingRecord.
type RecordStatus string

const (
	StatusRinging   RecordStatus = "ringing"
	StatusConnected RecordStatus = "connected"
	StatusEnded     RecordStatus = "ended"
)

func (s RecordStatus) Valid() bool {
	switch s {
	case StatusRinging, StatusConnected, StatusEnded:
		return true
	}
	return false
}

// State is the local call state machine state.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateRingingOutgoing
	StateRingingIncoming
	StateConnecting
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRingingOutgoing:
		return "ringing_outgoing"
	case StateRingingIncoming:
		return "ringing_incoming"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Ringing reports whether the ring timer is allowed to run in this state.
func (s State) Ringing() bool {
	return s == StateDialing || s == StateRingingOutgoing || s == StateRingingIncoming
}

// InCall reports whether local media may exist in this state.
func (s State) InCall() bool {
	return s == StateDialing || s == StateRingingOutgoing || s == StateConnecting || s == StateConnected
}

// EndReason tags every transition into StateEnded.
type EndReason string

const (
	EndHangup               EndReason = "hangup"
	EndRemoteEnded          EndReason = "remote_ended"
	EndDeclined             EndReason = "declined"
	EndCancelled            EndReason = "cancelled"
	EndNoAnswer             EndReason = "no_answer"
	EndTransportFailure     EndReason = "transport_failure"
	EndSignalingUnavailable EndReason = "signaling_unavailable"
	EndPermissionDenied     EndReason = "permission_denied"
	EndDeviceUnavailable    EndReason = "device_unavailable"
	EndNegotiationFailed    EndReason = "negotiation_failed"
	EndReceiverUnavailable  EndReason = "receiver_unavailable"
	EndBlocked              EndReason = "blocked"
)

// Message is the text shown to the user for the ended call.
func (r EndReason) Message() string {
	switch r {
	case EndHangup:
		return "Call ended"
	case EndRemoteEnded:
		return "Call ended by other party"
	case EndDeclined:
		return "Call declined"
	case EndCancelled:
		return "Call cancelled"
	case EndNoAnswer:
		return "User is not responding"
	case EndTransportFailure:
		return "Connection failed"
	case EndSignalingUnavailable:
		return "Signaling error"
	case EndPermissionDenied:
		return "Microphone or camera permission denied"
	case EndDeviceUnavailable:
		return "Microphone or camera unavailable"
	case EndNegotiationFailed:
		return "Could not negotiate call"
	case EndReceiverUnavailable:
		return "User is currently offline"
	case EndBlocked:
		return "Conversation is blocked"
	}
	return string(r)
}

// ReasonFor maps an error from a call step to the reason the call ends with.
func ReasonFor(err error, fallback EndReason) EndReason {
	switch {
	case err == nil:
		return fallback
	case isErr(err, ErrPermissionDenied):
		return EndPermissionDenied
	case isErr(err, ErrDeviceUnavailable):
		return EndDeviceUnavailable
	case isErr(err, ErrReceiverUnavailable):
		return EndReceiverUnavailable
	case isErr(err, ErrBlocked):
		return EndBlocked
	case isErr(err, ErrRecordGone):
		return EndRemoteEnded
	case isErr(err, ErrSignalingUnavailable):
		return EndSignalingUnavailable
	case isErr(err, ErrNegotiationTimeout):
		return EndNoAnswer
	case isErr(err, ErrTransportFailure):
		return EndTransportFailure
	}
	return fallback
}

type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeMissed   Outcome = "missed"
)

// Classify derives the log outcome. A call that reached Connected is answered
// even if it dropped later, anything else is missed with no duration.
func Classify(startedAt, endedAt time.Time) (Outcome, *int) {
	if startedAt.IsZero() {
		return OutcomeMissed, nil
	}
	secs := int(endedAt.Sub(startedAt) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return OutcomeAnswered, &secs
}

// CallSnapshot is the read-only view of the current call handed to observers.
type CallSnapshot struct {
	CallID        CallID      `json:"callId,omitempty"`
	Role          Role        `json:"role,omitempty"`
	State         State       `json:"state"`
	Remote        Participant `json:"remote"`
	Video         bool        `json:"video"`
	Muted         bool        `json:"muted"`
	CameraEnabled bool        `json:"cameraEnabled"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"`
	Reason        EndReason   `json:"reason,omitempty"`
	Message       string      `json:"message,omitempty"`
	Outcome       Outcome     `json:"outcome,omitempty"`
	Duration      *int        `json:"duration,omitempty"`
}
