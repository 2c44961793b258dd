package rtc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/dkeye/callsig/internal/domain"
)

const defaultSampleDuration = 20 * time.Millisecond

// Device produces paced samples for one local track.
type Device interface {
	Codec() webrtc.RTPCodecCapability
	NextSample() (media.Sample, error)
	Close() error
}

// DeviceProvider opens the microphone or the camera. Failures wrap
// domain.ErrPermissionDenied or domain.ErrDeviceUnavailable.
type DeviceProvider interface {
	Open(kind webrtc.RTPCodecType) (Device, error)
}

// FileDevices plays pre-recorded captures in a loop: an Ogg/Opus file as the
// microphone and an IVF file as the camera.
type FileDevices struct {
	AudioFile string
	VideoFile string
}

func (d FileDevices) Open(kind webrtc.RTPCodecType) (Device, error) {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		f, err := openCapture(d.AudioFile, "microphone")
		if err != nil {
			return nil, err
		}
		dev := &oggDevice{f: f}
		if err := dev.rewind(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("microphone: %w: %w", domain.ErrDeviceUnavailable, err)
		}
		return dev, nil
	case webrtc.RTPCodecTypeVideo:
		f, err := openCapture(d.VideoFile, "camera")
		if err != nil {
			return nil, err
		}
		dev := &ivfDevice{f: f}
		if err := dev.rewind(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("camera: %w: %w", domain.ErrDeviceUnavailable, err)
		}
		return dev, nil
	}
	return nil, fmt.Errorf("%s: %w", kind, domain.ErrDeviceUnavailable)
}

func openCapture(path, what string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("%s not configured: %w", what, domain.ErrDeviceUnavailable)
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, os.ErrPermission):
		return nil, fmt.Errorf("%s: %w: %w", what, domain.ErrPermissionDenied, err)
	default:
		return nil, fmt.Errorf("%s: %w: %w", what, domain.ErrDeviceUnavailable, err)
	}
}

type oggDevice struct {
	f       *os.File
	r       *oggreader.OggReader
	granule uint64
}

func (d *oggDevice) rewind() error {
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r, _, err := oggreader.NewWith(d.f)
	if err != nil {
		return err
	}
	d.r, d.granule = r, 0
	return nil
}

func (d *oggDevice) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func (d *oggDevice) NextSample() (media.Sample, error) {
	page, header, err := d.r.ParseNextPage()
	if errors.Is(err, io.EOF) {
		if err := d.rewind(); err != nil {
			return media.Sample{}, err
		}
		page, header, err = d.r.ParseNextPage()
	}
	if err != nil {
		return media.Sample{}, err
	}
	count := header.GranulePosition - d.granule
	d.granule = header.GranulePosition
	dur := time.Duration(float64(count) / 48000 * float64(time.Second))
	if dur <= 0 {
		dur = defaultSampleDuration
	}
	return media.Sample{Data: page, Duration: dur}, nil
}

func (d *oggDevice) Close() error { return d.f.Close() }

type ivfDevice struct {
	f     *os.File
	r     *ivfreader.IVFReader
	codec string
	frame time.Duration
}

func (d *ivfDevice) rewind() error {
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r, header, err := ivfreader.NewWith(d.f)
	if err != nil {
		return err
	}
	d.r = r
	switch header.FourCC {
	case "VP90":
		d.codec = webrtc.MimeTypeVP9
	case "AV01":
		d.codec = webrtc.MimeTypeAV1
	default:
		d.codec = webrtc.MimeTypeVP8
	}
	d.frame = defaultSampleDuration
	if header.TimebaseDenominator != 0 {
		d.frame = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	return nil
}

func (d *ivfDevice) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: d.codec, ClockRate: 90000}
}

func (d *ivfDevice) NextSample() (media.Sample, error) {
	frame, _, err := d.r.ParseNextFrame()
	if errors.Is(err, io.EOF) {
		if err := d.rewind(); err != nil {
			return media.Sample{}, err
		}
		frame, _, err = d.r.ParseNextFrame()
	}
	if err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: frame, Duration: d.frame}, nil
}

func (d *ivfDevice) Close() error { return d.f.Close() }
