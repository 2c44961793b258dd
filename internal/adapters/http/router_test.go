package http_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	router "github.com/dkeye/callsig/internal/adapters/http"
	"github.com/dkeye/callsig/internal/app/orch"
	"github.com/dkeye/callsig/internal/domain"
)

type MockCalls struct {
	mock.Mock
}

func (m *MockCalls) Dial(_ context.Context, req orch.DialRequest) (domain.CallID, error) {
	args := m.Called(req)
	return args.Get(0).(domain.CallID), args.Error(1)
}

func (m *MockCalls) Accept(context.Context) error  { return m.Called().Error(0) }
func (m *MockCalls) Decline(context.Context) error { return m.Called().Error(0) }
func (m *MockCalls) Hangup(context.Context) error  { return m.Called().Error(0) }

func (m *MockCalls) SetMuted(_ context.Context, muted bool) error {
	return m.Called(muted).Error(0)
}

func (m *MockCalls) SetCameraEnabled(_ context.Context, enabled bool) error {
	return m.Called(enabled).Error(0)
}

func (m *MockCalls) State() domain.CallSnapshot {
	return domain.CallSnapshot{State: domain.StateIdle}
}

func (m *MockCalls) Observe(func(domain.CallSnapshot)) func() { return func() {} }

func do(t *testing.T, calls *MockCalls, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := router.SetupRouter(context.Background(), router.RouterConfig{Mode: "test", Secret: "s"}, router.Deps{
		Calls:   calls,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) }),
	})
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestDialReturnsCallID(t *testing.T) {
	calls := &MockCalls{}
	calls.On("Dial", orch.DialRequest{Receiver: domain.Participant{ID: "bob", Name: "Bob"}, Video: true}).Return(domain.CallID("c1"), nil)

	rec := do(t, calls, http.MethodPost, "/api/calls", `{"receiverId":"bob","receiverName":"Bob","video":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"callId":"c1"`)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "ct=")
}

func TestDialValidation(t *testing.T) {
	rec := do(t, &MockCalls{}, http.MethodPost, "/api/calls", `{"video":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandErrorStatus(t *testing.T) {
	calls := &MockCalls{}
	calls.On("Accept").Return(domain.ErrNoCall)
	calls.On("Hangup").Return(nil)
	calls.On("SetCameraEnabled", false).Return(domain.ErrInvalidState)

	rec := do(t, calls, http.MethodPost, "/api/calls/accept", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"no_call"`)

	rec = do(t, calls, http.MethodPost, "/api/calls/hangup", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"idle"`)

	rec = do(t, calls, http.MethodPost, "/api/calls/camera", `{"enabled":false}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, calls, http.MethodPost, "/api/calls/mute", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStateAndMetricsRoutes(t *testing.T) {
	rec := do(t, &MockCalls{}, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"idle"`)

	rec = do(t, &MockCalls{}, http.MethodGet, "/metrics", "")
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		domain.ErrBusy:                 http.StatusConflict,
		domain.ErrBlocked:              http.StatusForbidden,
		domain.ErrReceiverUnavailable:  http.StatusUnprocessableEntity,
		domain.ErrSignalingUnavailable: http.StatusServiceUnavailable,
		orch.ErrStopped:                http.StatusServiceUnavailable,
		errors.New("boom"):             http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, router.StatusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}
