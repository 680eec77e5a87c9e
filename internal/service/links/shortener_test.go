package links

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/internal/testutil"
)

const target = "https://twitch.tv/castcue"

func newShortener(t *testing.T) *Shortener {
	t.Helper()
	s, err := NewShortener(testutil.NewDB(t), config.LinksConfig{BaseURL: "https://cue.st/l/", NodeID: 3}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestReplaceWithShortLinkRoundTrip(t *testing.T) {
	s := newShortener(t)
	ctx := context.Background()

	rw, err := s.ReplaceWithShortLink(ctx, "user-1", "Live now\n"+target, target, CampaignForStream(42))
	require.NoError(t, err)

	assert.NotZero(t, rw.LinkID)
	assert.True(t, strings.HasPrefix(rw.ShortURL, "https://cue.st/l/"))
	assert.Equal(t, "Live now\n"+rw.ShortURL, rw.Text)
	assert.NotContains(t, rw.Text, target)

	code := strings.TrimPrefix(rw.ShortURL, "https://cue.st/l/")
	link, err := s.Resolve(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, target, link.TargetURL)
	assert.Equal(t, "user-1", link.UserID)
	require.NotNil(t, link.CampaignID)
	assert.Equal(t, "stream-42", *link.CampaignID)
}

func TestReplaceWithShortLinkCreatesNewLinkPerCall(t *testing.T) {
	s := newShortener(t)
	ctx := context.Background()

	first, err := s.ReplaceWithShortLink(ctx, "user-1", target, target, "stream-1")
	require.NoError(t, err)
	second, err := s.ReplaceWithShortLink(ctx, "user-1", target, target, "stream-1")
	require.NoError(t, err)

	assert.NotEqual(t, first.LinkID, second.LinkID)
	assert.NotEqual(t, first.ShortURL, second.ShortURL)

	var count int64
	require.NoError(t, s.db.Model(&models.Link{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestResolveUnknownCode(t *testing.T) {
	s := newShortener(t)

	_, err := s.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordClick(t *testing.T) {
	s := newShortener(t)
	ctx := context.Background()

	rw, err := s.ReplaceWithShortLink(ctx, "user-1", target, target, "")
	require.NoError(t, err)
	link, err := s.Resolve(ctx, strings.TrimPrefix(rw.ShortURL, "https://cue.st/l/"))
	require.NoError(t, err)
	assert.Nil(t, link.CampaignID)

	require.NoError(t, s.RecordClick(ctx, link, "https://x.com/", "Mozilla/5.0"))

	var clicks []models.Click
	require.NoError(t, s.db.Find(&clicks).Error)
	require.Len(t, clicks, 1)
	assert.Equal(t, link.ID, clicks[0].LinkID)
	assert.Equal(t, "https://x.com/", clicks[0].Referrer)
}

func TestRecordClickTruncatesOnCharacterBoundary(t *testing.T) {
	s := newShortener(t)
	ctx := context.Background()

	rw, err := s.ReplaceWithShortLink(ctx, "user-1", target, target, "")
	require.NoError(t, err)
	link, err := s.Resolve(ctx, strings.TrimPrefix(rw.ShortURL, "https://cue.st/l/"))
	require.NoError(t, err)

	// one leading byte shifts every three-byte rune across the byte limit
	ua := "M" + strings.Repeat("ブ", 600)
	ref := "https://example.jp/" + strings.Repeat("検索", 600)
	require.NoError(t, s.RecordClick(ctx, link, ref, ua))

	var click models.Click
	require.NoError(t, s.db.First(&click).Error)
	assert.True(t, utf8.ValidString(click.UserAgent))
	assert.True(t, utf8.ValidString(click.Referrer))
	assert.Equal(t, 512, utf8.RuneCountInString(click.UserAgent))
	assert.Equal(t, 1024, utf8.RuneCountInString(click.Referrer))
	assert.True(t, strings.HasPrefix(click.UserAgent, "Mブ"))
}
