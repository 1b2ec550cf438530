//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuscompanion/companion/internal/agent"
	"github.com/campuscompanion/companion/internal/domain"
	"github.com/campuscompanion/companion/internal/identity"
)

type fakeRepo struct {
	mu       sync.Mutex
	profiles map[string]*domain.Profile
	messages map[string][]domain.StoredMessage
	pingErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		profiles: make(map[string]*domain.Profile),
		messages: make(map[string][]domain.StoredMessage),
	}
}

func (f *fakeRepo) GetProfile(_ context.Context, userID string) (*domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.profiles[userID]
	if p == nil {
		return nil, nil
	}
	copy := *p
	return &copy, nil
}

func (f *fakeRepo) UpsertProfile(_ context.Context, p *domain.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *p
	f.profiles[p.UserID] = &copy
	return nil
}

func (f *fakeRepo) AppendMessages(_ context.Context, userID, sessionID string, msgs []domain.StoredMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + ":" + sessionID
	f.messages[key] = append(f.messages[key], msgs...)
	return nil
}

func (f *fakeRepo) RecentMessages(_ context.Context, userID, sessionID string, limit int) ([]domain.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[userID+":"+sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.StoredMessage(nil), msgs...), nil
}

func (f *fakeRepo) stored(userID, sessionID string) []domain.StoredMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.StoredMessage(nil), f.messages[userID+":"+sessionID]...)
}

func (f *fakeRepo) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeRepo) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeRepo) CleanupMessages(_ context.Context, _ time.Duration) (int64, error) { return 0, nil }
func (f *fakeRepo) Close() error                                                      { return nil }

// newTestServer serves the API behind the development verifier, so any
// bearer token signs in as the user with that id.
func newTestServer(t *testing.T, d Deps) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(identity.Middleware(identity.DevVerifier()))
	NewHandler(d).RegisterRoutes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "bar", got["foo"])
}

func TestErrorCarriesEnvelope(t *testing.T) {
	w := httptest.NewRecorder()

	ErrorWithType(w, http.StatusBadRequest, agent.ProcessingValidationError, "Please enter a question.")

	var got ErrorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Please enter a question.", got.Error)
	assert.Equal(t, agent.ProcessingValidationError, got.ProcessingType)
	_, err := time.Parse(time.RFC3339, got.Timestamp)
	assert.NoError(t, err)
}

func TestHealth(t *testing.T) {
	repo := newFakeRepo()
	ts := newTestServer(t, Deps{Repo: repo, UpstreamConfigured: true})

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, map[string]any{"api": "ok", "database": "ok", "model": "configured"}, body["checks"])

	repo.setPingErr(errors.New("disk gone"))
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", decode[map[string]any](t, resp)["status"])
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u2"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("u1"))

	now = now.Add(2 * time.Minute)
	rl.evict()
	rl.mu.Lock()
	assert.Empty(t, rl.requests)
	rl.mu.Unlock()
}

func TestRateLimitMiddlewareRejectsWith429(t *testing.T) {
	ts := newTestServer(t, Deps{Limiter: NewRateLimiter(1, time.Minute), Chat: newKeywordOrchestrator(nil)})

	first := doJSON(t, http.MethodPost, ts.URL+"/api/chat", "u1", map[string]any{"message": ""})
	assert.Equal(t, http.StatusBadRequest, first.StatusCode)

	second := doJSON(t, http.MethodPost, ts.URL+"/api/chat", "u1", map[string]any{"message": ""})
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "60", second.Header.Get("Retry-After"))
	body := decode[ErrorBody](t, second)
	assert.Contains(t, body.Error, "rate limit")
	assert.NotEmpty(t, body.Timestamp)

	other := doJSON(t, http.MethodPost, ts.URL+"/api/chat", "u2", map[string]any{"message": ""})
	assert.Equal(t, http.StatusBadRequest, other.StatusCode)
}
