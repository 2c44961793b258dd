// Package orch runs the call state machine. Every transition happens on one
// event loop goroutine; slow work runs elsewhere and posts its completion back
// tagged with the generation of the call it belongs to.
package orch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

var (
	ErrStopped        = errors.New("orchestrator stopped")
	ErrAlreadyRunning = errors.New("orchestrator already running")
)

// Telemetry receives call lifecycle counts. Implementations must not block.
type Telemetry interface {
	CallStarted(role domain.Role)
	CallEnded(role domain.Role, reason domain.EndReason, outcome domain.Outcome, duration *int)
}

type Deps struct {
	Signal    core.Signaling
	Media     core.MediaFactory
	Presence  core.PresenceLookup
	Blocks    core.BlockChecker // optional
	Notifier  core.Notifier     // optional
	Recorder  core.CallRecorder // optional
	Telemetry Telemetry         // optional
	Clock     clock.Clock       // defaults to the wall clock
}

type Options struct {
	RingTimeout    time.Duration
	ConnectTimeout time.Duration
	// ReclaimDelay is how long an ended record stays readable before it is
	// deleted. Zero deletes right after marking it ended.
	ReclaimDelay time.Duration
	OpTimeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		RingTimeout:    45 * time.Second,
		ConnectTimeout: 30 * time.Second,
		ReclaimDelay:   2 * time.Second,
		OpTimeout:      10 * time.Second,
	}
}

type event struct {
	gen uint64
	fn  func(s *session)
	// stale runs instead of fn when the call the event belongs to is gone.
	stale func()
}

// Orchestrator owns at most one call for the local participant.
type Orchestrator struct {
	local domain.Participant
	deps  Deps
	opts  Options
	clock clock.Clock

	cmds     chan func()
	events   chan event
	done     chan struct{}
	stopping chan struct{}
	running  atomic.Bool

	// loop only
	sess *session
	gen  uint64

	tasks sync.WaitGroup

	obsMu     sync.Mutex
	observers map[int]func(domain.CallSnapshot)
	nextObs   int
	last      domain.CallSnapshot
}

func New(local domain.Participant, deps Deps, opts Options) (*Orchestrator, error) {
	if err := local.ID.Validate(); err != nil {
		return nil, err
	}
	if deps.Signal == nil || deps.Media == nil || deps.Presence == nil {
		return nil, errors.New("orchestrator needs signaling, media and presence")
	}
	def := DefaultOptions()
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = def.RingTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = def.OpTimeout
	}
	if opts.ReclaimDelay < 0 {
		opts.ReclaimDelay = 0
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		local:     local,
		deps:      deps,
		opts:      opts,
		clock:     clk,
		cmds:      make(chan func()),
		events:    make(chan event, 256),
		done:      make(chan struct{}),
		stopping:  make(chan struct{}),
		observers: make(map[int]func(domain.CallSnapshot)),
		last:      domain.CallSnapshot{State: domain.StateIdle},
	}, nil
}

func (o *Orchestrator) Local() domain.Participant { return o.local }

// Run listens for incoming calls and processes commands until ctx is done.
// An active call is hung up on the way out.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer o.drain()

	unsub, err := o.deps.Signal.SubscribeToIncomingRinging(ctx, o.local.ID,
		func(ev core.IncomingEvent) {
			o.post(event{fn: func(*session) { o.onIncoming(ev) }})
		},
		func(err error) {
			log.Warn().Err(err).Str("module", "app.orch").Str("local", string(o.local.ID)).Msg("incoming listener error")
		})
	if err != nil {
		close(o.stopping)
		return err
	}
	defer unsub()

	log.Info().Str("module", "app.orch").Str("local", string(o.local.ID)).Msg("listening for calls")
	for {
		select {
		case <-ctx.Done():
			if s := o.sess; s != nil {
				o.end(s, domain.EndHangup, nil)
			}
			close(o.stopping)
			o.tasks.Wait()
			log.Info().Str("module", "app.orch").Str("local", string(o.local.ID)).Msg("stopped")
			return nil
		case fn := <-o.cmds:
			fn()
		case ev := <-o.events:
			o.dispatch(ev)
		}
	}
}

// drain closes the loop and runs the cleanup of anything still queued.
func (o *Orchestrator) drain() {
	close(o.done)
	for {
		select {
		case ev := <-o.events:
			if ev.stale != nil {
				ev.stale()
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) dispatch(ev event) {
	if ev.gen == 0 {
		ev.fn(nil)
		return
	}
	s := o.sess
	if s == nil || s.gen != ev.gen {
		if ev.stale != nil {
			ev.stale()
		}
		return
	}
	ev.fn(s)
}

func (o *Orchestrator) post(ev event) {
	select {
	case <-o.done:
		if ev.stale != nil {
			ev.stale()
		}
		return
	default:
	}
	select {
	case o.events <- ev:
	case <-o.done:
		if ev.stale != nil {
			ev.stale()
		}
	}
}

// exec runs fn on the loop and waits for it.
func (o *Orchestrator) exec(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case o.cmds <- func() { fn(); close(ran) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
	<-ran
	return nil
}

// await blocks on a Dial or Accept outcome.
func await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the last published snapshot.
func (o *Orchestrator) State() domain.CallSnapshot {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	return o.last
}

// Observe registers fn for every published snapshot. fn runs on the loop
// goroutine and must not block or call back into the orchestrator.
func (o *Orchestrator) Observe(fn func(domain.CallSnapshot)) (cancel func()) {
	o.obsMu.Lock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = fn
	o.obsMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			o.obsMu.Lock()
			delete(o.observers, id)
			o.obsMu.Unlock()
		})
	}
}

func (o *Orchestrator) emit(snap domain.CallSnapshot) {
	o.obsMu.Lock()
	o.last = snap
	fns := make([]func(domain.CallSnapshot), 0, len(o.observers))
	for _, fn := range o.observers {
		fns = append(fns, fn)
	}
	o.obsMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (o *Orchestrator) publish() {
	if o.sess != nil {
		o.emit(o.sess.snapshot())
	}
}

// goTask runs fn in the background; Run waits for it on shutdown.
func (o *Orchestrator) goTask(fn func()) {
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		fn()
	}()
}

func (o *Orchestrator) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, o.opts.OpTimeout)
}
