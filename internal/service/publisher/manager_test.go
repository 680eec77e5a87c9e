package publisher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castcue/castcue/internal/models"
)

type stubPublisher struct {
	ch      models.Channel
	authErr error
}

func (s *stubPublisher) Channel() models.Channel { return s.ch }

func (s *stubPublisher) Authenticate(context.Context, string) error { return s.authErr }

func (s *stubPublisher) Publish(context.Context, Message) (*Result, error) {
	return &Result{PostID: "1"}, nil
}

func TestRegisterPublisher(t *testing.T) {
	m := NewPublishManager(zap.NewNop())

	require.NoError(t, m.RegisterPublisher(&stubPublisher{ch: models.ChannelX}))
	assert.Error(t, m.RegisterPublisher(&stubPublisher{ch: models.ChannelX}), "duplicate channel")
	assert.Error(t, m.RegisterPublisher(&stubPublisher{ch: "myspace"}), "unknown channel")

	p, err := m.GetPublisher(models.ChannelX)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelX, p.Channel())

	_, err = m.GetPublisher(models.ChannelDiscord)
	assert.Equal(t, KindNotConnected, KindOf(err))
}

func TestConnected(t *testing.T) {
	ctx := context.Background()
	dbErr := errors.New("connection reset")

	tests := []struct {
		name    string
		authErr error
		want    bool
		wantErr bool
	}{
		{"connected", nil, true, false},
		{"not connected", NewError(models.ChannelX, KindNotConnected, "", nil), false, false},
		{"broken credentials", NewError(models.ChannelX, KindAuth, "no refresh token", nil), true, false},
		{"datastore error", dbErr, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewPublishManager(zap.NewNop())
			require.NoError(t, m.RegisterPublisher(&stubPublisher{ch: models.ChannelX, authErr: tt.authErr}))

			got, err := m.Connected(ctx, models.ChannelX, "user-1")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}

	m := NewPublishManager(zap.NewNop())
	got, err := m.Connected(ctx, models.ChannelDiscord, "user-1")
	assert.NoError(t, err)
	assert.False(t, got, "unregistered channel is never connected")
}

func TestErrorMatchesPostFailed(t *testing.T) {
	err := fmt.Errorf("publish: %w", StatusError(models.ChannelX, 429, "slow down"))

	assert.ErrorIs(t, err, ErrPostFailed)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Contains(t, err.Error(), "status 429")

	assert.Equal(t, KindAuth, StatusError(models.ChannelX, 401, "").Kind)
	assert.Equal(t, KindNetwork, StatusError(models.ChannelX, 503, "").Kind)
	assert.Equal(t, KindRejected, StatusError(models.ChannelX, 403, "duplicate content").Kind)
	assert.NotErrorIs(t, errors.New("other"), ErrPostFailed)
}
