// Package domain contains call entities and their validation, no transport logic
package domain

import (
	"errors"
	"sort"
	"strings"
)

const (
	MaxParticipantIDLen   = 128
	MaxParticipantNameLen = 64
)

var (
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
	ErrNameTooLong          = errors.New("participant name too long")
)

type ParticipantID string

type ConversationID string

type Participant struct {
	ID   ParticipantID `json:"id"`
	Name string        `json:"name"`
}

// NewParticipant validates id and name, an empty name falls back to "User".
func NewParticipant(id ParticipantID, name string) (Participant, error) {
	if err := id.Validate(); err != nil {
		return Participant{}, err
	}
	if len(name) > MaxParticipantNameLen {
		return Participant{}, ErrNameTooLong
	}
	if name == "" {
		name = "User"
	}
	return Participant{ID: id, Name: name}, nil
}

func (id ParticipantID) Validate() error {
	if len(id) == 0 {
		return ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return ErrParticipantIDTooLong
	}
	return nil
}

// ConversationOf returns the id of the one-to-one conversation between a and b.
// Both sides derive the same id regardless of who calls whom.
func ConversationOf(a, b ParticipantID) ConversationID {
	ids := []string{string(a), string(b)}
	sort.Strings(ids)
	return ConversationID(strings.Join(ids, "_"))
}

type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// Reachable reports whether a call may be placed. Away clients still receive
// calls through their background listener.
func (p Presence) Reachable() bool {
	return p == PresenceOnline || p == PresenceAway
}
