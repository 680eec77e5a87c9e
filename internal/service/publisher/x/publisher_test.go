package x

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castcue/castcue/internal/clock"
	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/internal/service/publisher"
	"github.com/castcue/castcue/internal/testutil"
)

type fakeX struct {
	server       *httptest.Server
	validToken   atomic.Value
	tweets       atomic.Int32
	uploads      atomic.Int32
	refreshes    atomic.Int32
	lastTweet    atomic.Value
	tweetStatus  int
	tweetDelay   time.Duration
	refreshFails bool
}

func newFakeX(t *testing.T) *fakeX {
	t.Helper()
	f := &fakeX{}
	f.validToken.Store("good-token")

	mux := http.NewServeMux()
	mux.HandleFunc("/2/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.refreshes.Add(1)
		if f.refreshFails {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		f.validToken.Store("refreshed-token")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"refreshed-token","token_type":"bearer","expires_in":7200,"refresh_token":"refresh-2"}`))
	})
	mux.HandleFunc("/2/tweets", func(w http.ResponseWriter, r *http.Request) {
		if f.tweetDelay > 0 {
			select {
			case <-time.After(f.tweetDelay):
			case <-r.Context().Done():
				return
			}
		}
		if r.Header.Get("Authorization") != "Bearer "+f.validToken.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.tweetStatus != 0 {
			w.WriteHeader(f.tweetStatus)
			_, _ = w.Write([]byte(`{"detail":"You are not allowed to create a Tweet with duplicate content."}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.lastTweet.Store(string(body))
		f.tweets.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"1790000000000000001","text":"ok"}}`))
	})
	mux.HandleFunc("/2/media/upload", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "tweet_image", r.FormValue("media_category"))
		f.uploads.Add(1)
		_, _ = w.Write([]byte(`{"data":{"id":"710511363345354753"}}`))
	})
	mux.HandleFunc("/thumb.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff, 0xe0})
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func newTestPublisher(t *testing.T, f *fakeX) (*Publisher, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := config.XConfig{
		ClientID:   "client",
		APIBaseURL: f.server.URL,
		TokenURL:   f.server.URL + "/2/oauth2/token",
		MaxMedia:   4,
	}
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC))
	return NewPublisher(db, cfg, f.server.Client(), clk, zap.NewNop()), db
}

func connect(t *testing.T, db *gorm.DB, access, refresh string, expiry time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&models.XConnection{
		UserID:       "user-1",
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		Expiry:       expiry,
	}).Error)
}

func TestPublishWithMedia(t *testing.T) {
	f := newFakeX(t)
	p, db := newTestPublisher(t, f)
	connect(t, db, "good-token", "refresh-1", time.Now().Add(time.Hour))

	res, err := p.Publish(context.Background(), publisher.Message{
		UserID:    "user-1",
		Text:      "Live now\nhttps://cue.st/l/abc",
		MediaURLs: []string{f.server.URL + "/thumb.jpg", f.server.URL + "/missing.jpg"},
	})
	require.NoError(t, err)

	assert.Equal(t, "1790000000000000001", res.PostID)
	assert.Equal(t, "https://x.com/i/web/status/1790000000000000001", res.URL)
	assert.EqualValues(t, 1, f.uploads.Load(), "missing media is skipped")
	assert.EqualValues(t, 0, f.refreshes.Load())

	var sent tweetRequest
	require.NoError(t, json.Unmarshal([]byte(f.lastTweet.Load().(string)), &sent))
	assert.Equal(t, "Live now\nhttps://cue.st/l/abc", sent.Text)
	require.NotNil(t, sent.Media)
	assert.Equal(t, []string{"710511363345354753"}, sent.Media.MediaIDs)
}

func TestPublishRefreshesOnUnauthorized(t *testing.T) {
	f := newFakeX(t)
	p, db := newTestPublisher(t, f)
	// Stored token looks valid locally but X has revoked it
	connect(t, db, "revoked-token", "refresh-1", time.Now().Add(time.Hour))

	res, err := p.Publish(context.Background(), publisher.Message{UserID: "user-1", Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.PostID)
	assert.EqualValues(t, 1, f.refreshes.Load())
	assert.EqualValues(t, 1, f.tweets.Load())

	var conn models.XConnection
	require.NoError(t, db.Where("user_id = ?", "user-1").Take(&conn).Error)
	assert.Equal(t, "refreshed-token", conn.AccessToken)
	assert.Equal(t, "refresh-2", conn.RefreshToken)
}

func TestPublishRefreshesExpiredToken(t *testing.T) {
	f := newFakeX(t)
	p, db := newTestPublisher(t, f)
	connect(t, db, "old-token", "refresh-1", time.Now().Add(-time.Hour))

	_, err := p.Publish(context.Background(), publisher.Message{UserID: "user-1", Text: "hi"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.refreshes.Load())
}

func TestPublishAuthFailure(t *testing.T) {
	f := newFakeX(t)
	f.refreshFails = true
	p, db := newTestPublisher(t, f)
	connect(t, db, "revoked-token", "refresh-1", time.Now().Add(time.Hour))

	_, err := p.Publish(context.Background(), publisher.Message{UserID: "user-1", Text: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, publisher.ErrPostFailed)
	assert.Equal(t, publisher.KindAuth, publisher.KindOf(err))
	assert.EqualValues(t, 0, f.tweets.Load())
}

func TestPublishExpiredWithoutRefreshToken(t *testing.T) {
	f := newFakeX(t)
	p, db := newTestPublisher(t, f)
	connect(t, db, "old-token", "", time.Now().Add(-time.Hour))

	_, err := p.Publish(context.Background(), publisher.Message{UserID: "user-1", Text: "hi"})
	assert.Equal(t, publisher.KindAuth, publisher.KindOf(err))
	assert.EqualValues(t, 0, f.refreshes.Load())
}

func TestPublishRejected(t *testing.T) {
	f := newFakeX(t)
	f.tweetStatus = http.StatusForbidden
	p, db := newTestPublisher(t, f)
	connect(t, db, "good-token", "refresh-1", time.Now().Add(time.Hour))

	_, err := p.Publish(context.Background(), publisher.Message{UserID: "user-1", Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, publisher.KindRejected, publisher.KindOf(err))
	assert.Contains(t, err.Error(), "duplicate content")
	assert.EqualValues(t, 0, f.refreshes.Load(), "403 is not retried")
}

func TestPublishTimeout(t *testing.T) {
	f := newFakeX(t)
	f.tweetDelay = 2 * time.Second
	p, db := newTestPublisher(t, f)
	connect(t, db, "good-token", "refresh-1", time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Publish(ctx, publisher.Message{UserID: "user-1", Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, publisher.KindNetwork, publisher.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestAuthenticate(t *testing.T) {
	f := newFakeX(t)
	p, db := newTestPublisher(t, f)
	ctx := context.Background()

	err := p.Authenticate(ctx, "user-1")
	assert.Equal(t, publisher.KindNotConnected, publisher.KindOf(err))

	connect(t, db, "good-token", "", time.Time{})
	assert.NoError(t, p.Authenticate(ctx, "user-1"))
}

func TestCircuitOpensAfterRepeatedServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	db := testutil.NewDB(t)
	connect(t, db, "good-token", "", time.Time{})
	p := NewPublisher(db, config.XConfig{APIBaseURL: server.URL, MaxMedia: 4}, server.Client(), nil, zap.NewNop())

	var lastErr error
	for i := 0; i < 7; i++ {
		_, lastErr = p.Publish(context.Background(), publisher.Message{UserID: "user-1", Text: "hi"})
	}
	assert.Equal(t, publisher.KindNetwork, publisher.KindOf(lastErr))
	assert.True(t, strings.Contains(lastErr.Error(), "circuit open"))
	assert.EqualValues(t, 5, hits.Load())
}
