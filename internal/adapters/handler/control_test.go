package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panic-relay/internal/adapters/alarm"
	"panic-relay/internal/adapters/repository"
	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
	"panic-relay/internal/core/services"
)

const testSecret = "s3cret"

// ============================================================================
// Fakes
// ============================================================================

type tokenResolver map[string]domain.Principal

func (r tokenResolver) Resolve(token string) (domain.Principal, error) {
	if p, ok := r[token]; ok {
		return p, nil
	}
	return domain.Principal{}, errors.New("unknown token")
}

type stubBackend struct {
	mu    sync.Mutex
	acks  []domain.AckRequest
	sends []bool
}

func (b *stubBackend) Dispatch(_ context.Context, longPress bool) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, longPress)
	return 42, nil
}

func (b *stubBackend) Acknowledge(_ context.Context, req domain.AckRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, req)
	return nil
}

func (b *stubBackend) ackCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acks)
}

func (b *stubBackend) sendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sends)
}

type loopbackDialer struct {
	mu   sync.Mutex
	subs map[string]ports.MessageHandler
}

func (d *loopbackDialer) Dial(context.Context, ports.DialOptions) (ports.PushConn, error) {
	return &loopbackConn{dialer: d}, nil
}

func (d *loopbackDialer) push(topic, payload string) bool {
	d.mu.Lock()
	h := d.subs[topic]
	d.mu.Unlock()
	if h == nil {
		return false
	}
	h(topic, []byte(payload))
	return true
}

type loopbackConn struct {
	dialer *loopbackDialer
}

func (c *loopbackConn) Subscribe(_ context.Context, topic string, handler ports.MessageHandler) error {
	c.dialer.mu.Lock()
	defer c.dialer.mu.Unlock()
	if c.dialer.subs == nil {
		c.dialer.subs = make(map[string]ports.MessageHandler)
	}
	c.dialer.subs[topic] = handler
	return nil
}

func (c *loopbackConn) Unsubscribe(_ context.Context, topic string) error {
	c.dialer.mu.Lock()
	defer c.dialer.mu.Unlock()
	delete(c.dialer.subs, topic)
	return nil
}

func (c *loopbackConn) Close() error {
	c.dialer.mu.Lock()
	defer c.dialer.mu.Unlock()
	c.dialer.subs = nil
	return nil
}

type controlFixture struct {
	server  *httptest.Server
	dialer  *loopbackDialer
	backend *stubBackend
	manager *services.SessionManager
}

func newControlFixture(t *testing.T) *controlFixture {
	t.Helper()

	f := &controlFixture{
		dialer:  &loopbackDialer{},
		backend: &stubBackend{},
	}
	resolver := tokenResolver{
		"token-house": {Identity: "dr.house", Role: domain.RoleSupervisor},
		"token-alice": {Identity: "alice", Role: domain.RoleSender},
	}
	f.manager = services.NewSessionManager(resolver, services.SessionDeps{
		Dialer:   f.dialer,
		Dispatch: f.backend,
		Acks:     f.backend,
		Alarm:    alarm.NewTerminal(io.Discard, time.Hour, false),
		Dedup:    repository.NewMemoryRepository(64, time.Minute),
	}, services.SessionConfig{
		Channel: services.ChannelConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	t.Cleanup(f.manager.Logout)

	h := NewControlHandler(f.manager, nil, nil, testSecret)
	f.server = httptest.NewServer(h.Routes(nil))
	t.Cleanup(f.server.Close)
	return f
}

func (f *controlFixture) call(t *testing.T, method, path, body string) (int, APIResponse) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("X-Secret-Key", testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *controlFixture) login(t *testing.T, token string) {
	t.Helper()
	code, _ := f.call(t, http.MethodPost, "/api/session/login", `{"token":"`+token+`"}`)
	require.Equal(t, http.StatusOK, code)
}

// ============================================================================
// Tests
// ============================================================================

func TestHealth_NoSecretNeeded(t *testing.T) {
	f := newControlFixture(t)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_RejectsMissingSecret(t *testing.T) {
	f := newControlFixture(t)

	resp, err := http.Get(f.server.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_ActionsNeedSession(t *testing.T) {
	f := newControlFixture(t)

	for _, path := range []string{"/api/alert/ack", "/api/gesture/press", "/api/video/join", "/api/video/ended"} {
		code, _ := f.call(t, http.MethodPost, path, "")
		assert.Equal(t, http.StatusUnauthorized, code, path)
	}
}

func TestLogin_Validation(t *testing.T) {
	f := newControlFixture(t)

	code, _ := f.call(t, http.MethodPost, "/api/session/login", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.call(t, http.MethodPost, "/api/session/login", `{"token":"forged"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Nil(t, f.manager.Current())
}

func TestStatus_ReflectsSession(t *testing.T) {
	f := newControlFixture(t)

	code, resp := f.call(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	data := resp.Data.(map[string]any)
	assert.Nil(t, data["session"])

	f.login(t, "token-house")

	_, resp = f.call(t, http.MethodGet, "/api/status", "")
	session := resp.Data.(map[string]any)["session"].(map[string]any)
	principal := session["principal"].(map[string]any)
	assert.Equal(t, "dr.house", principal["identity"])

	code, _ = f.call(t, http.MethodPost, "/api/session/logout", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Nil(t, f.manager.Current())
}

func TestSupervisor_AcknowledgeAlert(t *testing.T) {
	f := newControlFixture(t)
	f.login(t, "token-house")

	code, _ := f.call(t, http.MethodPost, "/api/alert/ack", "")
	assert.Equal(t, http.StatusConflict, code)

	require.True(t, f.dialer.push("/topic/panic/dr.house",
		`{"alertId":42,"senderIdentity":"alice","triggeredByLongPress":true}`))
	require.Eventually(t, func() bool {
		return f.manager.Current().Overlay().State() == services.OverlayAlertActive
	}, time.Second, 5*time.Millisecond)

	code, resp := f.call(t, http.MethodPost, "/api/alert/ack", `{"withVideo":false}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, services.OverlayIdle, resp.Data.(map[string]any)["state"])
	assert.Equal(t, 1, f.backend.ackCount())
	assert.False(t, f.manager.Current().Alarm().IsActive())

	code, _ = f.call(t, http.MethodPost, "/api/gesture/press", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestSender_TapThenConfirm(t *testing.T) {
	f := newControlFixture(t)
	f.login(t, "token-alice")

	code, _ := f.call(t, http.MethodPost, "/api/gesture/confirm", "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.call(t, http.MethodPost, "/api/gesture/press", "")
	require.Equal(t, http.StatusOK, code)
	code, resp := f.call(t, http.MethodPost, "/api/gesture/release", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, services.GestureConfirmPending, resp.Data.(map[string]any)["state"])

	code, _ = f.call(t, http.MethodPost, "/api/gesture/confirm", "")
	require.Equal(t, http.StatusOK, code)
	assert.Eventually(t, func() bool {
		return f.backend.sendCount() == 1
	}, time.Second, 5*time.Millisecond)

	code, _ = f.call(t, http.MethodPost, "/api/alert/ack", "")
	assert.Equal(t, http.StatusConflict, code)
	code, _ = f.call(t, http.MethodPost, "/api/video/join", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestVideoEnded_WithoutCall(t *testing.T) {
	f := newControlFixture(t)
	f.login(t, "token-house")

	code, _ := f.call(t, http.MethodPost, "/api/video/ended", `{"reason":"left"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, services.OverlayIdle, f.manager.Current().Overlay().State())
}

func TestErrorResponse_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{domain.ErrNotAuthenticated, http.StatusUnauthorized},
		{domain.ErrNoActiveAlert, http.StatusConflict},
		{domain.ErrSoundBlocked, http.StatusConflict},
		{errWrongRole, http.StatusConflict},
		{domain.ErrNetworkFailure, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, errorResponse(tc.err).Code, tc.err.Error())
	}
}

func TestSystem_ReportsRuntime(t *testing.T) {
	f := newControlFixture(t)

	code, resp := f.call(t, http.MethodGet, "/api/system", "")
	require.Equal(t, http.StatusOK, code)

	data := resp.Data.(map[string]any)
	assert.Greater(t, data["goroutines_count"].(float64), 0.0)
	assert.Equal(t, 0.0, data["stream_clients"])
}
