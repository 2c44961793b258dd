package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	router "github.com/dkeye/callsig/internal/adapters/http"
	"github.com/dkeye/callsig/internal/adapters/directory"
	"github.com/dkeye/callsig/internal/adapters/presence"
	"github.com/dkeye/callsig/internal/adapters/push"
	"github.com/dkeye/callsig/internal/adapters/rtc"
	sigchan "github.com/dkeye/callsig/internal/adapters/signal"
	"github.com/dkeye/callsig/internal/adapters/store/firestore"
	"github.com/dkeye/callsig/internal/adapters/store/memstore"
	"github.com/dkeye/callsig/internal/adapters/store/redisstore"
	"github.com/dkeye/callsig/internal/adapters/transcript"
	"github.com/dkeye/callsig/internal/adapters/ws"
	"github.com/dkeye/callsig/internal/app/calllog"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/config"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
	"github.com/dkeye/callsig/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("bad flags")
	}
	cfg, v, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.ApplyLogLevel(cfg.LogLevel)
	config.WatchLogLevel(v)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

type backends struct {
	docs    core.DocStore
	app     *firebase.App
	rdb     *redis.Client
	closers []func() error
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close backend")
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	needRedis := cfg.Store.Backend == config.StoreRedis || cfg.Presence.Source == "redis"
	if needRedis {
		b.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		b.closers = append(b.closers, b.rdb.Close)
		if err := b.rdb.Ping(ctx).Err(); err != nil {
			b.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	if cfg.Store.Backend == config.StoreFirestore || cfg.Push.Enabled {
		app, err := firestore.NewApp(ctx, cfg.Store.Firestore.ProjectID, cfg.Store.Firestore.CredentialsFile)
		if err != nil {
			b.close()
			return nil, err
		}
		b.app = app
	}

	switch cfg.Store.Backend {
	case config.StoreMemory:
		b.docs = memstore.New()
	case config.StoreRedis:
		b.docs = redisstore.New(b.rdb, cfg.Store.Redis.Prefix)
	case config.StoreFirestore:
		client, err := b.app.Firestore(ctx)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		b.docs = firestore.New(client, cfg.Store.Firestore.Root)
	}
	log.Info().Str("store", cfg.Store.Backend).Msg("signaling store ready")
	return b, nil
}

func run(parent context.Context, cfg *config.Config) error {
	ctx, stop := context.WithCancel(parent)
	defer stop()

	local, err := domain.NewParticipant(domain.ParticipantID(cfg.Local.ID), cfg.Local.Name)
	if err != nil {
		return fmt.Errorf("local participant: %w", err)
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	m := metrics.New()
	dir := directory.New(b.docs)

	var lookup core.PresenceLookup = dir
	heartbeat := func(ctx context.Context) error {
		if err := dir.SetPresence(ctx, local.ID, domain.PresenceOnline); err != nil {
			return err
		}
		<-ctx.Done()
		clearCtx, clearCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer clearCancel()
		return dir.SetPresence(clearCtx, local.ID, domain.PresenceOffline)
	}
	if cfg.Presence.Source == "redis" {
		rp := presence.NewRedis(b.rdb, cfg.Store.Redis.Prefix, cfg.Presence.TTL)
		lookup = rp
		heartbeat = func(ctx context.Context) error { return rp.Heartbeat(ctx, local.ID) }
	}

	var notifier core.Notifier = push.LogNotifier{}
	if cfg.Push.Enabled {
		fcm, err := push.NewFCM(ctx, b.app, cfg.Push.Tokens)
		if err != nil {
			return err
		}
		notifier = fcm
	}

	recorder, err := calllog.New(transcript.New(b.docs), cfg.Call.LogCapacity)
	if err != nil {
		return err
	}

	var sink rtc.Sink = rtc.DiscardSink{}
	if cfg.Media.RecordDir != "" {
		sink = rtc.FileSink{Dir: cfg.Media.RecordDir}
	}
	rtcCfg := rtc.DefaultConfig()
	if len(cfg.Media.ICEServers) > 0 {
		rtcCfg.ICEServers = cfg.Media.ICEServers
	}
	if cfg.Media.DisconnectedTimeout > 0 {
		rtcCfg.DisconnectedTimeout = cfg.Media.DisconnectedTimeout
	}
	if cfg.Media.FailedTimeout > 0 {
		rtcCfg.FailedTimeout = cfg.Media.FailedTimeout
	}
	if cfg.Media.KeepAliveInterval > 0 {
		rtcCfg.KeepAliveInterval = cfg.Media.KeepAliveInterval
	}
	factory := rtc.NewFactory(rtcCfg,
		rtc.FileDevices{AudioFile: cfg.Media.AudioFile, VideoFile: cfg.Media.VideoFile},
		rtc.WithSinks(sink, sink))

	calls, err := orch.New(local, orch.Deps{
		Signal:    sigchan.NewChannel(b.docs, sigchan.WithErrorObserver(m)),
		Media:     factory,
		Presence:  lookup,
		Blocks:    dir,
		Notifier:  notifier,
		Recorder:  recorder,
		Telemetry: m,
	}, orch.Options{
		RingTimeout:    cfg.Call.RingTimeout,
		ConnectTimeout: cfg.Call.ConnectTimeout,
		ReclaimDelay:   cfg.Call.ReclaimDelay,
		OpTimeout:      cfg.Call.OpTimeout,
	})
	if err != nil {
		return err
	}

	orchDone := make(chan error, 1)
	go func() { orchDone <- calls.Run(ctx) }()
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		if err := heartbeat(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("presence heartbeat stopped")
		}
	}()

	ctl := ws.NewController(calls, ws.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		Limiter:    ws.NewRateLimiter(nil, cfg.RateLimit.Commands, cfg.RateLimit.Window),
		Clients:    m,

		AllowedOrigins: cfg.AllowedOrigins,
	})
	r := router.SetupRouter(ctx, router.RouterConfig{Mode: cfg.Mode, Secret: cfg.Secret}, router.Deps{
		Calls:   calls,
		WS:      ctl,
		Metrics: m.Handler(),
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("local", string(local.ID)).Msg("callsig client started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	var failure error
	select {
	case <-ctx.Done():
	case failure = <-serveErr:
		log.Error().Err(failure).Msg("server error")
		stop()
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	select {
	case <-heartbeatDone:
	case <-shutdownCtx.Done():
	}
	return awaitStop(shutdownCtx, failure, orchDone)
}

var errStopTimeout = errors.New("orchestrator did not stop in time")

// awaitStop waits for the orchestrator loop to return and combines its error
// with the failure that triggered shutdown.
func awaitStop(ctx context.Context, failure error, orchDone <-chan error) error {
	select {
	case err := <-orchDone:
		return multierr.Append(failure, err)
	case <-ctx.Done():
		return multierr.Append(failure, errStopTimeout)
	}
}
