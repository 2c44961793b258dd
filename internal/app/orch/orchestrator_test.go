package orch_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsig/internal/adapters/store/memstore"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

var (
	alice = participant("alice", "Alice")
	bob   = participant("bob", "Bob")
	carol = participant("carol", "Carol")
)

// connect runs a call from caller to receiver up to Connected on both sides.
func connect(t *testing.T, caller, receiver *peer, video bool) (domain.CallID, *fakeMedia, *fakeMedia) {
	t.Helper()
	ctx := context.Background()
	id, err := caller.orch.Dial(ctx, orch.DialRequest{Receiver: participant(receiver.orch.Local().ID, "Bob"), Video: video})
	require.NoError(t, err)
	receiver.waitState(t, domain.StateRingingIncoming)
	require.NoError(t, receiver.orch.Accept(ctx))
	caller.waitState(t, domain.StateConnecting)

	cm, rm := caller.media.last(t), receiver.media.last(t)
	cm.connect(core.ConnConnected)
	rm.connect(core.ConnConnected)
	caller.waitState(t, domain.StateConnected)
	receiver.waitState(t, domain.StateConnected)
	return id, cm, rm
}

func TestAnsweredCallIsLoggedWithDuration(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob")
	ctx := context.Background()

	id, err := a.orch.Dial(ctx, orch.DialRequest{Receiver: bob})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRingingOutgoing, a.orch.State().State)

	ringing := b.waitState(t, domain.StateRingingIncoming)
	assert.Equal(t, id, ringing.CallID)
	assert.Equal(t, domain.RoleReceiver, ringing.Role)
	assert.Equal(t, alice, ringing.Remote)
	assert.Empty(t, b.media.all(), "receiver acquires media only on accept")

	require.NoError(t, b.orch.Accept(ctx))
	a.waitState(t, domain.StateConnecting)

	am, bm := a.media.last(t), b.media.last(t)
	require.NotNil(t, am.remoteDescription())
	assert.Equal(t, domain.SDPAnswer, am.remoteDescription().Type)
	assert.Equal(t, "v=0 offer "+string(id), bm.remoteDescription().SDP)
	require.Eventually(t, func() bool {
		return len(am.remoteCandidates()) == 2 && len(bm.remoteCandidates()) == 2
	}, waitFor, tick, "candidates not exchanged")
	assert.Contains(t, bm.remoteCandidates()[0].Candidate, "candidate:offer0")
	assert.Contains(t, am.remoteCandidates()[0].Candidate, "candidate:answer0")

	am.connect(core.ConnConnected)
	bm.connect(core.ConnConnected)
	connected := a.waitState(t, domain.StateConnected)
	require.NotNil(t, connected.StartedAt)
	b.waitState(t, domain.StateConnected)

	w.clock.Add(10 * time.Second)
	require.NoError(t, a.orch.Hangup(ctx))

	ended := a.ended(t)
	assert.Equal(t, domain.EndHangup, ended.Reason)
	assert.Equal(t, domain.OutcomeAnswered, ended.Outcome)
	require.NotNil(t, ended.Duration)
	assert.Equal(t, 10, *ended.Duration)
	assert.Equal(t, "Call ended", ended.Message)

	assert.Equal(t, domain.EndRemoteEnded, b.ended(t).Reason)

	entries := w.waitEntries(t, 1)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, id, e.CallID)
	assert.Equal(t, domain.ConversationID("alice_bob"), e.ConversationID)
	assert.Equal(t, domain.ParticipantID("alice"), e.CallerID)
	assert.Equal(t, domain.ParticipantID("bob"), e.ReceiverID)
	assert.Equal(t, domain.OutcomeAnswered, e.Outcome)
	require.NotNil(t, e.Duration)
	assert.Equal(t, 10, *e.Duration)
	assert.False(t, e.IsVideo)

	w.waitRecordGone(t, id)
	assert.Equal(t, 1, am.teardowns())
	require.Eventually(t, func() bool { return bm.teardowns() == 1 }, waitFor, tick)
}

func TestUnansweredCallTimesOut(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")

	id, err := a.orch.Dial(context.Background(), orch.DialRequest{Receiver: bob})
	require.NoError(t, err)

	w.clock.Add(44 * time.Second)
	assert.Equal(t, domain.StateRingingOutgoing, a.orch.State().State)
	w.clock.Add(time.Second)

	ended := a.ended(t)
	assert.Equal(t, domain.EndNoAnswer, ended.Reason)
	assert.Equal(t, domain.OutcomeMissed, ended.Outcome)
	assert.Nil(t, ended.Duration)

	entries := w.waitEntries(t, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeMissed, entries[0].Outcome)
	assert.Nil(t, entries[0].Duration)
	assert.Equal(t, domain.EndNoAnswer, entries[0].Reason)

	w.waitRecordGone(t, id)
	assert.False(t, w.answerWritten(id))
}

func TestRapidDoubleDialCreatesOneRecord(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	a.media.offerGate = make(chan struct{})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := a.orch.Dial(ctx, orch.DialRequest{Receiver: bob})
		first <- err
	}()
	a.waitState(t, domain.StateDialing)

	_, err := a.orch.Dial(ctx, orch.DialRequest{Receiver: bob})
	require.ErrorIs(t, err, domain.ErrBusy)

	close(a.media.offerGate)
	require.NoError(t, <-first)

	docs, err := w.store.List(ctx, "calls")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.Len(t, a.media.all(), 1)
}

func TestOfflineReceiverCreatesNoRecord(t *testing.T) {
	w := newWorld(t)
	w.presence.On("GetPresence", domain.ParticipantID("carol")).Return(domain.PresenceOffline, nil)
	a := w.join("alice", "Alice")
	ctx := context.Background()

	_, err := a.orch.Dial(ctx, orch.DialRequest{Receiver: carol})
	require.ErrorIs(t, err, domain.ErrReceiverUnavailable)

	ended := a.ended(t)
	assert.Equal(t, domain.EndReceiverUnavailable, ended.Reason)
	assert.Equal(t, "User is currently offline", ended.Message)

	docs, err := w.store.List(ctx, "calls")
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Empty(t, a.media.all())
	assert.Empty(t, w.recorder.all())
	w.presence.AssertExpectations(t)
}

func TestBlockedConversationCreatesNoRecord(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	blocks := &MockBlocks{}
	blocks.On("IsBlocked", domain.ConversationID("alice_bob"), domain.ParticipantID("alice")).Return(true, nil)
	a := w.join("alice", "Alice", func(d *orch.Deps) { d.Blocks = blocks })
	ctx := context.Background()

	_, err := a.orch.Dial(ctx, orch.DialRequest{Receiver: bob})
	require.ErrorIs(t, err, domain.ErrBlocked)
	assert.Equal(t, domain.EndBlocked, a.ended(t).Reason)

	docs, err := w.store.List(ctx, "calls")
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Empty(t, w.recorder.all())
	blocks.AssertExpectations(t)
}

func TestDeclineEndsCallerWithoutAnswer(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob")
	ctx := context.Background()

	id, err := a.orch.Dial(ctx, orch.DialRequest{Receiver: bob})
	require.NoError(t, err)
	b.waitState(t, domain.StateRingingIncoming)

	require.NoError(t, b.orch.Decline(ctx))
	assert.Equal(t, domain.EndDeclined, b.ended(t).Reason)

	ended := a.ended(t)
	assert.Equal(t, domain.EndDeclined, ended.Reason)
	assert.Equal(t, domain.OutcomeMissed, ended.Outcome)

	w.waitRecordGone(t, id)
	assert.False(t, w.answerWritten(id))
	assert.Empty(t, b.media.all())

	entries := w.waitEntries(t, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeMissed, entries[0].Outcome)
	assert.Equal(t, domain.EndDeclined, entries[0].Reason)
}

func TestCallerCancelStopsReceiverRinging(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob")
	ctx := context.Background()

	id, err := a.orch.Dial(ctx, orch.DialRequest{Receiver: bob})
	require.NoError(t, err)
	b.waitState(t, domain.StateRingingIncoming)

	require.NoError(t, a.orch.Hangup(ctx))
	assert.Equal(t, domain.EndCancelled, a.ended(t).Reason)

	ended := b.ended(t)
	assert.Equal(t, domain.EndCancelled, ended.Reason)
	assert.Equal(t, domain.OutcomeMissed, ended.Outcome)

	w.waitRecordGone(t, id)
	assert.Len(t, w.waitEntries(t, 1), 1)
}

func TestCallerCancelBeatsLateAnswer(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	gated := answerGated(w.signal)
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob", func(d *orch.Deps) { d.Signal = gated })
	ctx := context.Background()

	id, err := a.orch.Dial(ctx, orch.DialRequest{Receiver: bob})
	require.NoError(t, err)
	b.waitState(t, domain.StateRingingIncoming)

	accepted := make(chan error, 1)
	go func() { accepted <- b.orch.Accept(ctx) }()
	b.waitState(t, domain.StateConnecting)
	select {
	case <-gated.answering:
	case <-time.After(waitFor):
		t.Fatal("answer was never submitted")
	}

	require.NoError(t, a.orch.Hangup(ctx))
	callerEnd := a.ended(t)
	assert.Equal(t, domain.EndCancelled, callerEnd.Reason)
	assert.Equal(t, domain.OutcomeMissed, callerEnd.Outcome)

	receiverEnd := b.ended(t)
	assert.Equal(t, domain.EndRemoteEnded, receiverEnd.Reason)
	err = <-accepted
	require.ErrorIs(t, err, domain.ErrCallEnded)
	assert.Contains(t, err.Error(), string(domain.EndRemoteEnded))

	close(gated.answerGate)
	require.ErrorIs(t, <-gated.answerErr, domain.ErrRecordGone)

	w.waitRecordGone(t, id)
	assert.False(t, w.answerWritten(id), "late answer reached the record")
	entries := w.waitEntries(t, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeMissed, entries[0].Outcome)
	assert.Equal(t, domain.EndCancelled, entries[0].Reason)

	require.Eventually(t, func() bool { return w.store.Watchers() == 2 }, waitFor, tick,
		"listeners left open: %d", w.store.Watchers())
	assert.Equal(t, 1, a.endedCount())
	assert.Equal(t, 1, b.endedCount())
	require.Eventually(t, func() bool { return b.media.last(t).teardowns() == 1 }, waitFor, tick)
}

func TestHangupWhileDialingRemovesLateRecord(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	gated := &gatedSignal{Signaling: w.signal, gate: make(chan struct{})}
	a := w.join("alice", "Alice", func(d *orch.Deps) { d.Signal = gated })
	ctx := context.Background()

	dialed := make(chan error, 1)
	go func() {
		_, err := a.orch.Dial(ctx, orch.DialRequest{Receiver: bob})
		dialed <- err
	}()
	a.waitState(t, domain.StateDialing)
	require.Eventually(t, func() bool { return len(a.media.all()) == 1 }, waitFor, tick)

	require.NoError(t, a.orch.Hangup(ctx))
	require.ErrorIs(t, <-dialed, domain.ErrCallEnded)
	assert.Equal(t, domain.EndCancelled, a.ended(t).Reason)

	m := a.media.last(t)
	close(gated.gate)

	require.Eventually(t, func() bool {
		created := false
		for _, wr := range w.store.Journal() {
			if wr.Path == "calls/"+string(m.id) && wr.Op == memstore.OpSet {
				created = true
			}
		}
		docs, err := w.store.List(ctx, "calls")
		return created && err == nil && len(docs) == 0
	}, waitFor, tick, "late record not removed")
	require.Eventually(t, func() bool { return m.teardowns() == 1 }, waitFor, tick)
}

func TestTransportFailureAfterConnectIsAnswered(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob")

	id, am, _ := connect(t, a, b, false)
	w.clock.Add(3 * time.Second)
	am.connect(core.ConnFailed)

	ended := a.ended(t)
	assert.Equal(t, domain.EndTransportFailure, ended.Reason)
	assert.Equal(t, domain.OutcomeAnswered, ended.Outcome)
	require.NotNil(t, ended.Duration)
	assert.Equal(t, 3, *ended.Duration)

	assert.Equal(t, domain.EndRemoteEnded, b.ended(t).Reason)
	w.waitRecordGone(t, id)
}

func TestLocalCandidateBurstIsDeliveredInOrder(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob")
	const burst = 600
	a.media.candidates = burst

	id, _, bm := connect(t, a, b, false)
	require.Eventually(t, func() bool { return len(bm.remoteCandidates()) == burst }, waitFor, tick,
		"receiver saw %d of %d caller candidates", len(bm.remoteCandidates()), burst)
	for i, c := range bm.remoteCandidates() {
		assert.Equal(t, fmt.Sprintf("candidate:offer%d 1 udp 1 10.0.0.1 5000 typ host", i), c.Candidate)
	}

	docs, err := w.store.List(context.Background(), "calls/"+string(id)+"/offerCandidates")
	require.NoError(t, err)
	assert.Len(t, docs, burst)
}

func TestReceiverHangupEndsCaller(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob")
	ctx := context.Background()

	id, _, _ := connect(t, a, b, false)
	require.NoError(t, b.orch.Hangup(ctx))
	assert.Equal(t, domain.EndHangup, b.ended(t).Reason)

	ended := a.ended(t)
	assert.Equal(t, domain.EndRemoteEnded, ended.Reason)
	assert.Equal(t, domain.OutcomeAnswered, ended.Outcome)

	w.waitRecordGone(t, id)
	entries := w.waitEntries(t, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ParticipantID("alice"), entries[0].SenderID)
}

func TestSequentialCallsLeaveNoListeners(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob")
	ctx := context.Background()

	var ids []domain.CallID
	for i := 0; i < 3; i++ {
		id, _, _ := connect(t, a, b, i%2 == 1)
		require.NoError(t, a.orch.Hangup(ctx))
		a.ended(t)
		b.waitState(t, domain.StateIdle)
		w.waitRecordGone(t, id)
		ids = append(ids, id)
	}

	assert.Len(t, w.waitEntries(t, 3), 3)
	assert.NotEqual(t, ids[0], ids[1])
	// only the two incoming-call listeners stay open
	assert.Equal(t, 2, w.store.Watchers())
	assert.Equal(t, 3, a.endedCount())
	assert.Equal(t, 3, b.endedCount())
}

func TestBusyReceiverIgnoresSecondCall(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob")
	c := w.join("carol", "Carol")

	first, _, _ := connect(t, a, b, false)

	_, err := c.orch.Dial(context.Background(), orch.DialRequest{Receiver: bob})
	require.NoError(t, err)
	w.clock.Add(45 * time.Second)

	assert.Equal(t, domain.EndNoAnswer, c.ended(t).Reason)
	snap := b.orch.State()
	assert.Equal(t, first, snap.CallID)
	assert.Equal(t, domain.StateConnected, snap.State)
	assert.Equal(t, domain.StateConnected, a.orch.State().State)
}

func TestMuteAndCameraToggles(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob")
	ctx := context.Background()

	require.ErrorIs(t, a.orch.SetMuted(ctx, true), domain.ErrNoCall)

	_, am, _ := connect(t, a, b, true)
	require.NoError(t, a.orch.SetMuted(ctx, true))
	require.NoError(t, a.orch.SetCameraEnabled(ctx, false))
	snap := a.orch.State()
	assert.True(t, snap.Muted)
	assert.False(t, snap.CameraEnabled)
	am.mu.Lock()
	assert.True(t, am.muted)
	assert.True(t, am.cameraOff)
	am.mu.Unlock()

	require.NoError(t, a.orch.Hangup(ctx))
	a.ended(t)
	b.waitState(t, domain.StateIdle)

	_, err := a.orch.Dial(ctx, orch.DialRequest{Receiver: bob})
	require.NoError(t, err)
	b.waitState(t, domain.StateRingingIncoming)
	require.ErrorIs(t, a.orch.SetCameraEnabled(ctx, false), domain.ErrInvalidState, "audio call has no camera")
	require.ErrorIs(t, b.orch.SetMuted(ctx, true), domain.ErrInvalidState, "ringing receiver has no media")
}

func TestCommandsOutOfState(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob")
	ctx := context.Background()

	require.ErrorIs(t, a.orch.Accept(ctx), domain.ErrNoCall)
	require.ErrorIs(t, a.orch.Decline(ctx), domain.ErrNoCall)
	require.ErrorIs(t, a.orch.Hangup(ctx), domain.ErrNoCall)
	_, err := a.orch.Dial(ctx, orch.DialRequest{Receiver: alice})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = a.orch.Dial(ctx, orch.DialRequest{Receiver: bob})
	require.NoError(t, err)
	b.waitState(t, domain.StateRingingIncoming)

	require.ErrorIs(t, a.orch.Accept(ctx), domain.ErrInvalidState)
	require.ErrorIs(t, a.orch.Decline(ctx), domain.ErrInvalidState)
	_, err = b.orch.Dial(ctx, orch.DialRequest{Receiver: alice})
	require.ErrorIs(t, err, domain.ErrBusy)
}

func TestMediaFailureEndsDial(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	a.media.acquireErr = fmt.Errorf("microphone: %w", domain.ErrPermissionDenied)

	_, err := a.orch.Dial(context.Background(), orch.DialRequest{Receiver: bob})
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Equal(t, domain.EndPermissionDenied, a.ended(t).Reason)

	docs, err := w.store.List(context.Background(), "calls")
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Equal(t, 1, a.media.last(t).teardowns())
}

func TestReceiverMediaFailureEndsBothSides(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob")
	b.media.acquireErr = fmt.Errorf("camera: %w", domain.ErrDeviceUnavailable)
	ctx := context.Background()

	id, err := a.orch.Dial(ctx, orch.DialRequest{Receiver: bob, Video: true})
	require.NoError(t, err)
	b.waitState(t, domain.StateRingingIncoming)

	require.ErrorIs(t, b.orch.Accept(ctx), domain.ErrDeviceUnavailable)
	assert.Equal(t, domain.EndDeviceUnavailable, b.ended(t).Reason)
	assert.Equal(t, domain.EndRemoteEnded, a.ended(t).Reason)
	w.waitRecordGone(t, id)
	assert.False(t, w.answerWritten(id))
}

func TestSignalingOutageEndsCall(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob")

	id, err := a.orch.Dial(context.Background(), orch.DialRequest{Receiver: bob})
	require.NoError(t, err)
	b.waitState(t, domain.StateRingingIncoming)

	w.store.SetUnavailable(true)

	assert.Equal(t, domain.EndSignalingUnavailable, a.ended(t).Reason)
	assert.Equal(t, domain.EndSignalingUnavailable, b.ended(t).Reason)
	require.Eventually(t, func() bool { return w.store.WatchersUnder("calls/"+string(id)) == 0 }, waitFor, tick)
}

func TestIncomingCallNotifies(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	notified := make(chan domain.CallID, 1)
	notifier := &MockNotifier{}
	notifier.On("NotifyIncomingCall", "Alice", mock.Anything).
		Run(func(args mock.Arguments) { notified <- args.Get(1).(domain.CallID) }).
		Return(errors.New("push down"))
	a := w.join("alice", "Alice")
	b := w.join("bob", "Bob", func(d *orch.Deps) { d.Notifier = notifier })

	id, err := a.orch.Dial(context.Background(), orch.DialRequest{Receiver: bob})
	require.NoError(t, err)

	select {
	case got := <-notified:
		assert.Equal(t, id, got)
	case <-time.After(waitFor):
		t.Fatal("no notification")
	}
	// a failed push does not affect the call
	assert.Equal(t, domain.StateRingingIncoming, b.waitState(t, domain.StateRingingIncoming).State)
}

func TestShutdownHangsUpActiveCall(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	tel := &fakeTelemetry{}
	a := w.join("alice", "Alice", func(d *orch.Deps) { d.Telemetry = tel })
	b := w.join("bob", "Bob")

	id, am, _ := connect(t, a, b, false)
	a.stop()

	assert.Equal(t, domain.EndHangup, a.ended(t).Reason)
	assert.Equal(t, 1, am.teardowns())
	assert.Equal(t, domain.EndRemoteEnded, b.ended(t).Reason)
	w.waitRecordGone(t, id)

	started, ended := tel.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, []domain.EndReason{domain.EndHangup}, ended)

	_, err := a.orch.Dial(context.Background(), orch.DialRequest{Receiver: bob})
	require.ErrorIs(t, err, orch.ErrStopped)
}

func TestReceiverRingTimeoutLeavesRecordToCaller(t *testing.T) {
	w := newWorld(t)
	w.online("bob")
	b := w.join("bob", "Bob")
	ctx := context.Background()

	// a caller that went away without cleaning up
	require.NoError(t, w.signal.CreateCallRecord(ctx, domain.SignalingRecord{
		ID:         "stale-call",
		Offer:      &domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0"},
		CallerID:   "alice",
		CallerName: "Alice",
		ReceiverID: "bob",
	}))
	b.waitState(t, domain.StateRingingIncoming)
	w.clock.Add(45 * time.Second)

	assert.Equal(t, domain.EndNoAnswer, b.ended(t).Reason)
	rec, err := w.signal.GetRecord(ctx, "stale-call")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRinging, rec.Status)
	assert.Empty(t, w.recorder.all())
	assert.Zero(t, w.store.WatchersUnder("calls/stale-call"))
}
