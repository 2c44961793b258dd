package core

import (
	"context"

	"github.com/dkeye/callsig/internal/domain"
)

type Connectivity int

const (
	ConnConnected Connectivity = iota + 1
	ConnFailed
	ConnClosed
)

func (c Connectivity) String() string {
	switch c {
	case ConnConnected:
		return "connected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// LocalStream describes the tracks opened by Acquire.
type LocalStream struct {
	Audio bool
	Video bool
}

// MediaSession owns one peer connection and the local capture for a single call.
type MediaSession interface {
	Acquire(ctx context.Context, withVideo bool) (LocalStream, error)
	Attach() error

	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	AcceptOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)
	ApplyAnswer(answer domain.SessionDescription) error
	// AddRemoteCandidate buffers until the remote description is set.
	AddRemoteCandidate(c domain.ICECandidate) error

	OnLocalCandidate(fn func(domain.ICECandidate))
	OnConnectivity(fn func(Connectivity))

	SetMuted(muted bool)
	SetCameraEnabled(enabled bool)
	Teardown() error
}

type MediaFactory interface {
	NewSession(callID domain.CallID) (MediaSession, error)
}
