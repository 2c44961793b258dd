package calllog_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsig/internal/app/calllog"
	"github.com/dkeye/callsig/internal/domain"
)

type MockTranscript struct {
	mock.Mock
}

func (m *MockTranscript) AppendCallLog(_ context.Context, e domain.CallLogEntry) error {
	return m.Called(e.CallID).Error(0)
}

func (m *MockTranscript) UpdateSummary(_ context.Context, e domain.CallLogEntry) error {
	return m.Called(e.CallID).Error(0)
}

func entry(id domain.CallID) domain.CallLogEntry {
	return domain.CallLogEntry{
		CallID:         id,
		ConversationID: "alice_bob",
		SenderID:       "alice",
		CallerID:       "alice",
		ReceiverID:     "bob",
		Outcome:        domain.OutcomeMissed,
	}
}

func TestRecordOncePerCall(t *testing.T) {
	tr := &MockTranscript{}
	tr.On("AppendCallLog", domain.CallID("c1")).Return(nil).Once()
	tr.On("UpdateSummary", domain.CallID("c1")).Return(nil).Once()
	r, err := calllog.New(tr, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Record(context.Background(), entry("c1")))
		}()
	}
	wg.Wait()
	tr.AssertExpectations(t)
	tr.AssertNumberOfCalls(t, "AppendCallLog", 1)
}

func TestFailedAppendCanRetry(t *testing.T) {
	tr := &MockTranscript{}
	tr.On("AppendCallLog", domain.CallID("c1")).Return(errors.New("store down")).Once()
	tr.On("AppendCallLog", domain.CallID("c1")).Return(nil).Once()
	tr.On("UpdateSummary", domain.CallID("c1")).Return(nil).Once()
	r, err := calllog.New(tr, 4)
	require.NoError(t, err)

	require.Error(t, r.Record(context.Background(), entry("c1")))
	require.NoError(t, r.Record(context.Background(), entry("c1")))
	require.NoError(t, r.Record(context.Background(), entry("c1")))
	tr.AssertExpectations(t)
}

func TestSummaryFailureKeepsEntry(t *testing.T) {
	tr := &MockTranscript{}
	tr.On("AppendCallLog", domain.CallID("c1")).Return(nil).Once()
	tr.On("UpdateSummary", domain.CallID("c1")).Return(errors.New("store down")).Once()
	r, err := calllog.New(tr, 4)
	require.NoError(t, err)

	require.Error(t, r.Record(context.Background(), entry("c1")))
	require.NoError(t, r.Record(context.Background(), entry("c1")))
	tr.AssertNumberOfCalls(t, "AppendCallLog", 1)
}

func TestRecordRequiresCallID(t *testing.T) {
	r, err := calllog.New(&MockTranscript{}, 4)
	require.NoError(t, err)
	require.ErrorIs(t, r.Record(context.Background(), entry("")), calllog.ErrNoCallID)
}
