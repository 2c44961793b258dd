package orch_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsig/internal/adapters/signal"
	"github.com/dkeye/callsig/internal/adapters/store/memstore"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeMedia struct {
	mu          sync.Mutex
	factory     *fakeFactory
	id          domain.CallID
	video       bool
	attached    bool
	remote      *domain.SessionDescription
	remoteCands []domain.ICECandidate
	muted       bool
	cameraOff   bool
	torn        int
	onLocal     func(domain.ICECandidate)
	onConn      func(core.Connectivity)
}

func (m *fakeMedia) Acquire(_ context.Context, withVideo bool) (core.LocalStream, error) {
	if err := m.factory.acquireErr; err != nil {
		return core.LocalStream{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.video = withVideo
	return core.LocalStream{Audio: true, Video: withVideo}, nil
}

func (m *fakeMedia) Attach() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = true
	return nil
}

func (m *fakeMedia) emit(prefix string) {
	m.mu.Lock()
	fn := m.onLocal
	m.mu.Unlock()
	n := m.factory.candidates
	if n == 0 {
		n = 2
	}
	for i := 0; i < n; i++ {
		fn(domain.ICECandidate{Candidate: "candidate:" + prefix + strconv.Itoa(i) + " 1 udp 1 10.0.0.1 5000 typ host"})
	}
}

func (m *fakeMedia) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if gate := m.factory.offerGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.SessionDescription{}, ctx.Err()
		}
	}
	m.emit("offer")
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0 offer " + string(m.id)}, nil
}

func (m *fakeMedia) AcceptOffer(_ context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	m.mu.Lock()
	m.remote = &offer
	m.mu.Unlock()
	m.emit("answer")
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: "v=0 answer " + string(m.id)}, nil
}

func (m *fakeMedia) ApplyAnswer(answer domain.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = &answer
	return nil
}

func (m *fakeMedia) AddRemoteCandidate(c domain.ICECandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteCands = append(m.remoteCands, c)
	return nil
}

func (m *fakeMedia) OnLocalCandidate(fn func(domain.ICECandidate)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLocal = fn
}

func (m *fakeMedia) OnConnectivity(fn func(core.Connectivity)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConn = fn
}

func (m *fakeMedia) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
}

func (m *fakeMedia) SetCameraEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cameraOff = !enabled
}

func (m *fakeMedia) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.torn++
	return nil
}

func (m *fakeMedia) connect(c core.Connectivity) {
	m.mu.Lock()
	fn := m.onConn
	m.mu.Unlock()
	fn(c)
}

func (m *fakeMedia) remoteCandidates() []domain.ICECandidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ICECandidate(nil), m.remoteCands...)
}

func (m *fakeMedia) remoteDescription() *domain.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

func (m *fakeMedia) teardowns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.torn
}

type fakeFactory struct {
	mu         sync.Mutex
	sessions   []*fakeMedia
	acquireErr error
	offerGate  chan struct{}
	candidates int // local candidates per description, 2 when zero
}

func (f *fakeFactory) NewSession(id domain.CallID) (core.MediaSession, error) {
	m := &fakeMedia{factory: f, id: id}
	f.mu.Lock()
	f.sessions = append(f.sessions, m)
	f.mu.Unlock()
	return m, nil
}

func (f *fakeFactory) all() []*fakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeMedia(nil), f.sessions...)
}

func (f *fakeFactory) last(t *testing.T) *fakeMedia {
	t.Helper()
	all := f.all()
	require.NotEmpty(t, all, "no media session created")
	return all[len(all)-1]
}

type MockPresence struct {
	mock.Mock
}

func (m *MockPresence) GetPresence(_ context.Context, uid domain.ParticipantID) (domain.Presence, error) {
	args := m.Called(uid)
	return args.Get(0).(domain.Presence), args.Error(1)
}

type MockBlocks struct {
	mock.Mock
}

func (m *MockBlocks) IsBlocked(_ context.Context, conv domain.ConversationID, uid domain.ParticipantID) (bool, error) {
	args := m.Called(conv, uid)
	return args.Bool(0), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyIncomingCall(_ context.Context, callerName string, callID domain.CallID) error {
	return m.Called(callerName, callID).Error(0)
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []domain.CallLogEntry
}

func (r *fakeRecorder) Record(_ context.Context, e domain.CallLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *fakeRecorder) all() []domain.CallLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CallLogEntry(nil), r.entries...)
}

type fakeTelemetry struct {
	mu      sync.Mutex
	started int
	ended   []domain.EndReason
}

func (f *fakeTelemetry) CallStarted(domain.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeTelemetry) CallEnded(_ domain.Role, reason domain.EndReason, _ domain.Outcome, _ *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, reason)
}

func (f *fakeTelemetry) counts() (int, []domain.EndReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, append([]domain.EndReason(nil), f.ended...)
}

// gatedSignal holds CreateCallRecord on gate and SubmitAnswer on answerGate,
// then performs the write regardless of the caller's context. A nil gate
// passes straight through.
type gatedSignal struct {
	core.Signaling
	gate       chan struct{}
	answerGate chan struct{}

	answering chan struct{} // closed once SubmitAnswer is held
	answerErr chan error    // result of the held SubmitAnswer
}

func (g *gatedSignal) CreateCallRecord(ctx context.Context, rec domain.SignalingRecord) error {
	if g.gate == nil {
		return g.Signaling.CreateCallRecord(ctx, rec)
	}
	<-g.gate
	return g.Signaling.CreateCallRecord(context.Background(), rec)
}

func (g *gatedSignal) SubmitAnswer(ctx context.Context, id domain.CallID, answer domain.SessionDescription) error {
	if g.answerGate == nil {
		return g.Signaling.SubmitAnswer(ctx, id, answer)
	}
	close(g.answering)
	<-g.answerGate
	err := g.Signaling.SubmitAnswer(context.Background(), id, answer)
	g.answerErr <- err
	return err
}

func answerGated(sig core.Signaling) *gatedSignal {
	return &gatedSignal{
		Signaling:  sig,
		answerGate: make(chan struct{}),
		answering:  make(chan struct{}),
		answerErr:  make(chan error, 1),
	}
}

type world struct {
	t        *testing.T
	store    *memstore.Store
	signal   *signal.Channel
	clock    *clock.Mock
	presence *MockPresence
	recorder *fakeRecorder
}

func newWorld(t *testing.T) *world {
	clk := clock.NewMock()
	store := memstore.New(memstore.WithClock(clk), memstore.WithJournal())
	return &world{
		t:        t,
		store:    store,
		signal:   signal.NewChannel(store),
		clock:    clk,
		presence: &MockPresence{},
		recorder: &fakeRecorder{},
	}
}

func (w *world) online(ids ...domain.ParticipantID) {
	for _, id := range ids {
		w.presence.On("GetPresence", id).Return(domain.PresenceOnline, nil)
	}
}

type peer struct {
	orch  *orch.Orchestrator
	media *fakeFactory
	stop  func()

	mu    sync.Mutex
	snaps []domain.CallSnapshot
}

func (w *world) join(id domain.ParticipantID, name string, tweak ...func(*orch.Deps)) *peer {
	w.t.Helper()
	p := &peer{media: &fakeFactory{}}
	deps := orch.Deps{
		Signal:   w.signal,
		Media:    p.media,
		Presence: w.presence,
		Recorder: w.recorder,
		Clock:    w.clock,
	}
	for _, fn := range tweak {
		fn(&deps)
	}
	o, err := orch.New(domain.Participant{ID: id, Name: name}, deps, orch.Options{})
	require.NoError(w.t, err)
	p.orch = o
	o.Observe(func(s domain.CallSnapshot) {
		p.mu.Lock()
		p.snaps = append(p.snaps, s)
		p.mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	var once sync.Once
	p.stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	w.t.Cleanup(p.stop)
	return p
}

func (p *peer) waitState(t *testing.T, want domain.State) domain.CallSnapshot {
	t.Helper()
	require.Eventually(t, func() bool { return p.orch.State().State == want }, waitFor, tick,
		"want state %s, have %s", want, p.orch.State().State)
	return p.orch.State()
}

// ended waits for the call to finish and returns its Ended snapshot.
func (p *peer) ended(t *testing.T) domain.CallSnapshot {
	t.Helper()
	var out domain.CallSnapshot
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i := len(p.snaps) - 1; i >= 0; i-- {
			if p.snaps[i].State == domain.StateEnded {
				out = p.snaps[i]
				return p.orch.State().State == domain.StateIdle
			}
		}
		return false
	}, waitFor, tick, "call did not end")
	return out
}

func (p *peer) endedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.snaps {
		if s.State == domain.StateEnded {
			n++
		}
	}
	return n
}

func (w *world) waitRecordGone(t *testing.T, id domain.CallID) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := w.store.Get(context.Background(), "calls/"+string(id))
		return err != nil
	}, waitFor, tick, "record %s still present", id)
	require.Eventually(t, func() bool { return w.store.WatchersUnder("calls/"+string(id)) == 0 }, waitFor, tick,
		"watchers left open for %s", id)
}

func (w *world) waitEntries(t *testing.T, n int) []domain.CallLogEntry {
	t.Helper()
	require.Eventually(t, func() bool { return len(w.recorder.all()) >= n }, waitFor, tick)
	return w.recorder.all()
}

// answerWritten reports whether any mutation of the record carried an answer.
func (w *world) answerWritten(id domain.CallID) bool {
	for _, wr := range w.store.Journal() {
		if wr.Path != "calls/"+string(id) {
			continue
		}
		if _, ok := wr.Data["answer"]; ok {
			return true
		}
	}
	return false
}

func participant(id domain.ParticipantID, name string) domain.Participant {
	return domain.Participant{ID: id, Name: name}
}
