package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/internal/service"
	"github.com/castcue/castcue/internal/service/dispatch"
	"github.com/castcue/castcue/internal/service/links"
	"github.com/castcue/castcue/internal/service/publisher"
	"github.com/castcue/castcue/internal/service/publisher/discord"
	"github.com/castcue/castcue/internal/service/quota"
	"github.com/castcue/castcue/internal/service/sampler"
	"github.com/castcue/castcue/internal/service/webhook"
	"github.com/castcue/castcue/internal/testutil"
)

const (
	jwtSecret  = "jwt-secret"
	cronSecret = "cron-secret"
)

type stubDispatcher struct {
	mu       sync.Mutex
	requests []dispatch.Request
	posted   []dispatch.Trigger
	result   *dispatch.Result
	err      error
	done     chan struct{}
}

func (d *stubDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return d.result, d.err
}

func (d *stubDispatcher) PostDraft(ctx context.Context, userID string, draftID uint, trigger dispatch.Trigger) (*dispatch.Result, error) {
	d.mu.Lock()
	d.posted = append(d.posted, trigger)
	d.mu.Unlock()
	if d.done != nil {
		close(d.done)
	}
	return d.result, d.err
}

func (d *stubDispatcher) SkipDraft(ctx context.Context, userID string, draftID uint) error {
	return d.err
}

type stubIngestor struct {
	outcome *webhook.Outcome
	err     error
}

func (s *stubIngestor) Handle(ctx context.Context, h http.Header, body []byte) (*webhook.Outcome, error) {
	return s.outcome, s.err
}

type stubQuota struct{ err error }

func (q *stubQuota) GetQuota(ctx context.Context, userID string) (*quota.Status, error) {
	if q.err != nil {
		return nil, q.err
	}
	return &quota.Status{UserUsed: 3, UserLimit: 30, UserRemaining: 27, CanPost: true, WarningLevel: quota.WarningOK}, nil
}

func (q *stubQuota) ResetMonthlyQuotas(ctx context.Context) (*quota.ResetReport, error) {
	return &quota.ResetReport{UsersReset: 2, GlobalReset: true}, q.err
}

type stubRegistrar struct{ err error }

func (r *stubRegistrar) RegisterWebhook(ctx context.Context, userID, webhookURL string) (*models.DiscordWebhook, error) {
	if r.err != nil {
		return nil, r.err
	}
	if err := discord.ValidateWebhookURL(webhookURL); err != nil {
		return nil, err
	}
	return &models.DiscordWebhook{UserID: userID, WebhookURL: webhookURL}, nil
}

type stubSampler struct{}

func (stubSampler) SampleAll(ctx context.Context) (*sampler.BatchReport, error) {
	return &sampler.BatchReport{Total: 3, Sampled: 2, Ended: 1}, nil
}

type testEnv struct {
	srv       *Server
	auth      *service.AuthService
	dispatch  *stubDispatcher
	ingestor  *stubIngestor
	shortener *links.Shortener
	quota     *stubQuota
	registrar *stubRegistrar
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.Mode = "test"
	cfg.Dispatch.AutoPostTimeout = time.Second

	db := testutil.NewDB(t)
	shortener, err := links.NewShortener(db, cfg.Links, zap.NewNop())
	require.NoError(t, err)

	env := &testEnv{
		auth:      service.NewAuthService(zap.NewNop(), jwtSecret, cronSecret),
		dispatch:  &stubDispatcher{result: &dispatch.Result{Status: dispatch.StatusSent, Channel: models.ChannelX, PostID: "42"}},
		ingestor:  &stubIngestor{outcome: &webhook.Outcome{Kind: webhook.OutcomeIgnored}},
		shortener: shortener,
		quota:     &stubQuota{},
		registrar: &stubRegistrar{},
	}
	env.srv = NewServer(cfg, zap.NewNop(), &Services{
		Auth:       env.auth,
		Dispatcher: env.dispatch,
		Webhooks:   env.ingestor,
		Quota:      env.quota,
		Links:      shortener,
		Discord:    env.registrar,
		Sampler:    stubSampler{},
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.srv.Router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) session(t *testing.T) map[string]string {
	t.Helper()
	token, err := e.auth.IssueToken("user-1", time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health", nil, nil)

	w := env.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "castcue_api_request_duration_seconds")
}

func TestAPIRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/quota", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetQuota(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/quota", nil, env.session(t))
	require.Equal(t, http.StatusOK, w.Code)

	var status quota.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 27, status.UserRemaining)

	env.quota.err = errors.New("connection reset")
	w = env.do(t, http.MethodGet, "/api/v1/quota", nil, env.session(t))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDispatch(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/dispatch", map[string]interface{}{
		"stream_id": 7,
		"title":     "Live!",
		"url":       "https://twitch.tv/celestefan",
	}, env.session(t))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "sent", body["status"])
	assert.Equal(t, "x", body["channel"])
	assert.Equal(t, "42", body["post_id"])

	require.Len(t, env.dispatch.requests, 1)
	req := env.dispatch.requests[0]
	assert.Equal(t, "user-1", req.UserID)
	assert.EqualValues(t, 7, req.StreamID)
	assert.Equal(t, dispatch.TriggerAPI, req.Trigger)
}

func TestDispatchValidation(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/dispatch", map[string]interface{}{"title": "no url"}, env.session(t))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.dispatch.requests)
}

func TestDispatchErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{dispatch.ErrNoChannel, http.StatusForbidden},
		{dispatch.ErrStreamNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: url is required", dispatch.ErrInvalidRequest), http.StatusBadRequest},
		{errors.New("failed to check quota: timeout"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			env := newTestEnv(t)
			env.dispatch.err = tt.err
			w := env.do(t, http.MethodPost, "/api/v1/dispatch", map[string]interface{}{
				"stream_id": 7,
				"url":       "https://twitch.tv/celestefan",
			}, env.session(t))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestPostDraftAlreadyProcessed(t *testing.T) {
	env := newTestEnv(t)
	env.dispatch.err = dispatch.ErrAlreadyProcessed

	w := env.do(t, http.MethodPost, "/api/v1/drafts/5/post", nil, env.session(t))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"status":"already_processed"}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/drafts/5/skip", nil, env.session(t))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPostAndSkipDraft(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/drafts/5/post", nil, env.session(t))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []dispatch.Trigger{dispatch.TriggerManual}, env.dispatch.posted)

	w = env.do(t, http.MethodPost, "/api/v1/drafts/5/skip", nil, env.session(t))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"skipped"}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/drafts/abc/post", nil, env.session(t))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTwitchWebhookChallenge(t *testing.T) {
	env := newTestEnv(t)
	env.ingestor.outcome = &webhook.Outcome{Kind: webhook.OutcomeChallenge, Challenge: "abc123"}

	w := env.do(t, http.MethodPost, "/webhooks/twitch", map[string]string{}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
}

func TestTwitchWebhookErrors(t *testing.T) {
	env := newTestEnv(t)

	env.ingestor.err = fmt.Errorf("%w: bad", webhook.ErrInvalidSignature)
	w := env.do(t, http.MethodPost, "/webhooks/twitch", map[string]string{}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	env.ingestor.err = fmt.Errorf("%w: bad", webhook.ErrInvalidPayload)
	w = env.do(t, http.MethodPost, "/webhooks/twitch", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTwitchWebhookDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.ingestor.outcome = &webhook.Outcome{Kind: webhook.OutcomeDuplicate}

	w := env.do(t, http.MethodPost, "/webhooks/twitch", map[string]string{}, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, env.dispatch.posted)
}

func TestTwitchWebhookAutoPost(t *testing.T) {
	env := newTestEnv(t)
	env.dispatch.done = make(chan struct{})
	env.ingestor.outcome = &webhook.Outcome{Kind: webhook.OutcomeDraftCreated, UserID: "user-1", DraftID: 9, AutoPost: true}

	w := env.do(t, http.MethodPost, "/webhooks/twitch", map[string]string{}, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	select {
	case <-env.dispatch.done:
	case <-time.After(time.Second):
		t.Fatal("auto-post did not run")
	}
	env.srv.background.Wait()
	assert.Equal(t, []dispatch.Trigger{dispatch.TriggerAuto}, env.dispatch.posted)
}

func TestRedirect(t *testing.T) {
	env := newTestEnv(t)
	rw, err := env.shortener.ReplaceWithShortLink(context.Background(), "user-1",
		"Live now\nhttps://twitch.tv/celestefan", "https://twitch.tv/celestefan", links.CampaignForStream(1))
	require.NoError(t, err)
	code := rw.ShortURL[strings.LastIndex(rw.ShortURL, "/")+1:]

	w := env.do(t, http.MethodGet, "/l/"+code, nil, map[string]string{"Referer": "https://x.com/"})
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://twitch.tv/celestefan", w.Header().Get("Location"))

	w = env.do(t, http.MethodGet, "/l/doesnotexist", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegisterDiscordWebhook(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/discord/webhook",
		map[string]string{"webhook_url": "https://discord.com/api/webhooks/123/abc"}, env.session(t))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/discord/webhook",
		map[string]string{"webhook_url": "https://example.com/hook"}, env.session(t))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.registrar.err = fmt.Errorf("trial message failed: %w",
		publisher.StatusError(models.ChannelDiscord, http.StatusNotFound, "Unknown Webhook"))
	w = env.do(t, http.MethodPost, "/api/v1/discord/webhook",
		map[string]string{"webhook_url": "https://discord.com/api/webhooks/123/abc"}, env.session(t))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestJobsRequireCronSecret(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/internal/jobs/quota-reset", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/internal/jobs/quota-reset", nil, map[string]string{"X-Cron-Secret": cronSecret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"users_reset":2,"global_reset":true}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/internal/jobs/sample-viewers", nil, map[string]string{"Authorization": "Bearer " + cronSecret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sampled":2`)
}
