package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/domain"
)

// Sink consumes one remote track until it ends.
type Sink interface {
	Consume(ctx context.Context, callID domain.CallID, track *webrtc.TrackRemote) error
}

type DiscardSink struct{}

func (DiscardSink) Consume(ctx context.Context, _ domain.CallID, track *webrtc.TrackRemote) error {
	return readRTP(ctx, track, func(*rtp.Packet) error { return nil })
}

// FileSink records remote audio as Ogg/Opus and remote video as IVF under Dir.
type FileSink struct {
	Dir string
}

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

func (s FileSink) Consume(ctx context.Context, callID domain.CallID, track *webrtc.TrackRemote) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	var (
		w   rtpWriter
		err error
	)
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		w, err = oggwriter.New(filepath.Join(s.Dir, fmt.Sprintf("%s-audio.ogg", callID)), 48000, 2)
	case webrtc.RTPCodecTypeVideo:
		w, err = ivfwriter.New(filepath.Join(s.Dir, fmt.Sprintf("%s-video.ivf", callID)))
	default:
		return DiscardSink{}.Consume(ctx, callID, track)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("call", string(callID)).Msg("sink close")
		}
	}()
	return readRTP(ctx, track, w.WriteRTP)
}

func readRTP(ctx context.Context, track *webrtc.TrackRemote, fn func(*rtp.Packet) error) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		pkt, _, err := track.ReadRTP()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(pkt); err != nil {
			return err
		}
	}
}
