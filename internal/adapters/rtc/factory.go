package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

type Config struct {
	ICEServers          []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		DisconnectedTimeout: 5 * time.Second,
		FailedTimeout:       25 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// Factory builds one peer connection per call, never reused.
type Factory struct {
	cfg       Config
	devices   DeviceProvider
	audioSink Sink
	videoSink Sink
}

var _ core.MediaFactory = (*Factory)(nil)

type FactoryOption func(*Factory)

func WithSinks(audio, video Sink) FactoryOption {
	return func(f *Factory) { f.audioSink, f.videoSink = audio, video }
}

func NewFactory(cfg Config, devices DeviceProvider, opts ...FactoryOption) *Factory {
	f := &Factory{cfg: cfg, devices: devices, audioSink: DiscardSink{}, videoSink: DiscardSink{}}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Factory) NewSession(callID domain.CallID) (core.MediaSession, error) {
	api, err := f.newAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(f.configuration())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newSession(callID, pc, f.devices, f.audioSink, f.videoSink), nil
}

func (f *Factory) newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	if f.cfg.FailedTimeout > 0 {
		se.SetICETimeouts(f.cfg.DisconnectedTimeout, f.cfg.FailedTimeout, f.cfg.KeepAliveInterval)
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func (f *Factory) configuration() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(f.cfg.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: f.cfg.ICEServers}}
	}
	return cfg
}
