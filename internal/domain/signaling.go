package domain

import (
	"strings"
	"time"
)

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `mapstructure:"type" json:"type"`
	SDP  string  `mapstructure:"sdp" json:"sdp"`
}

func (d *SessionDescription) validate(doc, field string, want SDPType) error {
	if d == nil {
		return &DecodeError{Doc: doc, Field: field, Err: errMissing}
	}
	if d.Type != want {
		return &DecodeError{Doc: doc, Field: field + ".type", Err: errInvalid}
	}
	if strings.TrimSpace(d.SDP) == "" {
		return &DecodeError{Doc: doc, Field: field + ".sdp", Err: errMissing}
	}
	return nil
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `mapstructure:"candidate" json:"candidate"`
	SDPMid           *string `mapstructure:"sdpMid" json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `mapstructure:"sdpMLineIndex" json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `mapstructure:"usernameFragment" json:"usernameFragment,omitempty"`
}

func (c ICECandidate) Validate(doc string) error {
	if strings.TrimSpace(c.Candidate) == "" {
		return &DecodeError{Doc: doc, Field: "candidate", Err: errMissing}
	}
	return nil
}

// CandidateCollection is the sub-collection a role appends its own candidates to.
func CandidateCollection(r Role) string {
	if r == RoleCaller {
		return "offerCandidates"
	}
	return "answerCandidates"
}

// RemoteCandidateCollection is the sub-collection holding the other role's candidates.
func RemoteCandidateCollection(r Role) string {
	if r == RoleCaller {
		return "answerCandidates"
	}
	return "offerCandidates"
}

// SignalingRecord is the shared document describing one call's negotiation.
type SignalingRecord struct {
	ID         CallID              `mapstructure:"-"`
	Offer      *SessionDescription `mapstructure:"offer"`
	Answer     *SessionDescription `mapstructure:"answer"`
	CallerID   ParticipantID       `mapstructure:"callerId"`
	CallerName string              `mapstructure:"callerName"`
	ReceiverID ParticipantID       `mapstructure:"receiverId"`
	Status     RecordStatus        `mapstructure:"status"`
	IsVideo    bool                `mapstructure:"isVideo"`
	CreatedAt  time.Time           `mapstructure:"createdAt"`
	EndedBy    ParticipantID       `mapstructure:"endedBy"`
	EndReason  EndReason           `mapstructure:"endReason"`
}

// Validate checks the fields every participant relies on. The offer is
// required in every state, the answer must be well formed once present.
func (r *SignalingRecord) Validate() error {
	doc := "calls/" + string(r.ID)
	if r.CallerID == "" {
		return &DecodeError{Doc: doc, Field: "callerId", Err: errMissing}
	}
	if r.ReceiverID == "" {
		return &DecodeError{Doc: doc, Field: "receiverId", Err: errMissing}
	}
	if !r.Status.Valid() {
		return &DecodeError{Doc: doc, Field: "status", Err: errInvalid}
	}
	if err := r.Offer.validate(doc, "offer", SDPOffer); err != nil {
		return err
	}
	if r.Answer != nil {
		if err := r.Answer.validate(doc, "answer", SDPAnswer); err != nil {
			return err
		}
	}
	return nil
}

func (r *SignalingRecord) Caller() Participant {
	return Participant{ID: r.CallerID, Name: r.CallerName}
}

// CallLogEntry is the transcript message written once per finished call.
type CallLogEntry struct {
	CallID         CallID
	ConversationID ConversationID
	SenderID       ParticipantID
	CallerID       ParticipantID
	ReceiverID     ParticipantID
	Outcome        Outcome
	Duration       *int
	IsVideo        bool
	Reason         EndReason
}

func (e CallLogEntry) Text() string {
	if e.IsVideo {
		return "Video Call"
	}
	return "Voice Call"
}
