package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

var errNotAcquired = errors.New("no local stream acquired")

type localTrack struct {
	kind    webrtc.RTPCodecType
	dev     Device
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

// Session wraps one peer connection with its local capture and remote sinks.
type Session struct {
	callID  domain.CallID
	pc      *webrtc.PeerConnection
	devices DeviceProvider
	sinks   map[webrtc.RTPCodecType]Sink

	ctx    context.Context
	cancel context.CancelFunc
	pumps  conc.WaitGroup

	mu         sync.Mutex
	local      []*localTrack
	muted      bool
	cameraOff  bool
	candidates candidateBuffer
	applied    int
	onLocal    func(domain.ICECandidate)
	onConn     func(core.Connectivity)
	closed     bool
	teardown   sync.Once
}

var _ core.MediaSession = (*Session)(nil)

func newSession(callID domain.CallID, pc *webrtc.PeerConnection, devices DeviceProvider, audio, video Sink) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		callID:  callID,
		pc:      pc,
		devices: devices,
		sinks:   map[webrtc.RTPCodecType]Sink{webrtc.RTPCodecTypeAudio: audio, webrtc.RTPCodecTypeVideo: video},
		ctx:     ctx,
		cancel:  cancel,
	}

	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("call", string(callID)).Str("ice_state", st.String()).Msg("ICE state")
		var c core.Connectivity
		switch st {
		case webrtc.ICEConnectionStateConnected:
			c = core.ConnConnected
		case webrtc.ICEConnectionStateFailed:
			c = core.ConnFailed
		case webrtc.ICEConnectionStateClosed:
			c = core.ConnClosed
		default:
			return
		}
		s.mu.Lock()
		fn, closed := s.onConn, s.closed
		s.mu.Unlock()
		if fn != nil && !closed {
			fn(c)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		s.mu.Lock()
		fn := s.onLocal
		s.mu.Unlock()
		if fn != nil {
			fn(fromInit(cand.ToJSON()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("call", string(callID)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		sink := s.sinks[track.Kind()]
		if sink == nil {
			sink = DiscardSink{}
		}
		s.pumps.Go(func() {
			if err := sink.Consume(s.ctx, callID, track); err != nil {
				log.Warn().Err(err).Str("module", "rtc").Str("call", string(callID)).Msg("remote sink stopped")
			}
		})
	})

	return s
}

func (s *Session) OnLocalCandidate(fn func(domain.ICECandidate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLocal = fn
}

func (s *Session) OnConnectivity(fn func(core.Connectivity)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConn = fn
}

// Acquire opens the microphone and, when asked, the camera. A previous local
// stream is stopped first.
func (s *Session) Acquire(ctx context.Context, withVideo bool) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return core.LocalStream{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.LocalStream{}, io.ErrClosedPipe
	}
	if err := s.stopLocalLocked(); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("call", string(s.callID)).Msg("stop previous stream")
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if withVideo {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	var opened []*localTrack
	for _, kind := range kinds {
		dev, err := s.devices.Open(kind)
		if err != nil {
			for _, lt := range opened {
				_ = lt.dev.Close()
			}
			return core.LocalStream{}, err
		}
		track, err := webrtc.NewTrackLocalStaticSample(dev.Codec(), kind.String(), "callsig-"+string(s.callID))
		if err != nil {
			_ = dev.Close()
			for _, lt := range opened {
				_ = lt.dev.Close()
			}
			return core.LocalStream{}, fmt.Errorf("local %s track: %w", kind, err)
		}
		lt := &localTrack{kind: kind, dev: dev, track: track}
		lt.enabled.Store(s.enabledLocked(kind))
		opened = append(opened, lt)
	}
	s.local = opened
	return core.LocalStream{Audio: true, Video: withVideo}, nil
}

// Attach adds every local track to the peer connection and starts the sample pumps.
func (s *Session) Attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.local) == 0 {
		return errNotAcquired
	}
	for _, lt := range s.local {
		sender, err := s.pc.AddTrack(lt.track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", lt.kind, err)
		}
		s.pumps.Go(func() { drainRTCP(sender) })
		s.pumps.Go(func() { s.pump(lt) })
	}
	return nil
}

func (s *Session) pump(lt *localTrack) {
	for {
		sample, err := lt.dev.NextSample()
		if err != nil {
			if s.ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "rtc").Str("call", string(s.callID)).Str("kind", lt.kind.String()).Msg("capture stopped")
			}
			return
		}
		if lt.enabled.Load() {
			if err := lt.track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				log.Warn().Err(err).Str("module", "rtc").Str("call", string(s.callID)).Msg("write sample")
			}
		}
		wait := sample.Duration
		if wait <= 0 {
			wait = defaultSampleDuration
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *Session) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: offer.SDP}, nil
}

func (s *Session) AcceptOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	if err := s.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: answer.SDP}, nil
}

func (s *Session) ApplyAnswer(answer domain.SessionDescription) error {
	return s.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

// setRemote applies the remote description and flushes buffered candidates in order.
func (s *Session) setRemote(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.candidates.open() {
		_ = s.addCandidateLocked(c)
	}
	return nil
}

func (s *Session) AddRemoteCandidate(c domain.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	init := toInit(c)
	if !s.candidates.add(init) {
		return nil
	}
	return s.addCandidateLocked(init)
}

func (s *Session) addCandidateLocked(c webrtc.ICECandidateInit) error {
	if err := s.pc.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("call", string(s.callID)).Msg("add remote candidate")
		return err
	}
	s.applied++
	return nil
}

func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	s.applyEnabledLocked()
}

func (s *Session) SetCameraEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameraOff = !enabled
	s.applyEnabledLocked()
}

func (s *Session) enabledLocked(kind webrtc.RTPCodecType) bool {
	if kind == webrtc.RTPCodecTypeAudio {
		return !s.muted
	}
	return !s.cameraOff
}

func (s *Session) applyEnabledLocked() {
	for _, lt := range s.local {
		lt.enabled.Store(s.enabledLocked(lt.kind))
	}
}

func (s *Session) stopLocalLocked() error {
	var err error
	for _, lt := range s.local {
		err = multierr.Append(err, lt.dev.Close())
	}
	s.local = nil
	return err
}

// Teardown stops capture, closes the peer connection and waits for the pumps.
// Only the first call does anything.
func (s *Session) Teardown() error {
	var err error
	s.teardown.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cancel()
		s.mu.Unlock()

		err = multierr.Append(err, s.pc.Close())
		s.mu.Lock()
		err = multierr.Append(err, s.stopLocalLocked())
		s.mu.Unlock()
		s.pumps.Wait()

		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("call", string(s.callID)).Msg("teardown")
		} else {
			log.Info().Str("module", "rtc").Str("call", string(s.callID)).Msg("closed")
		}
	})
	return err
}
