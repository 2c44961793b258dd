package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callsig/internal/domain"
)

// candidateBuffer holds remote candidates that arrive before the remote
// description. Order is preserved.
type candidateBuffer struct {
	ready   bool
	pending []webrtc.ICECandidateInit
}

// add returns true when the candidate can be applied right away.
func (b *candidateBuffer) add(c webrtc.ICECandidateInit) bool {
	if b.ready {
		return true
	}
	b.pending = append(b.pending, c)
	return false
}

// open marks the remote description as set and hands back everything buffered.
func (b *candidateBuffer) open() []webrtc.ICECandidateInit {
	b.ready = true
	out := b.pending
	b.pending = nil
	return out
}

func toInit(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromInit(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
