package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/internal/testutil"
)

func TestNotifyDraftCreated(t *testing.T) {
	db := testutil.NewDB(t)
	n := NewInAppNotifier(db, zap.NewNop())

	draft := &models.Draft{ID: 7, UserID: "user-1", Title: "Any% practice"}
	require.NoError(t, n.NotifyDraftCreated(context.Background(), draft))

	var got []models.Notification
	require.NoError(t, db.Find(&got).Error)
	require.Len(t, got, 1)
	assert.Equal(t, "user-1", got[0].UserID)
	assert.Equal(t, models.NotificationKindDraftCreated, got[0].Kind)
	assert.Equal(t, "Any% practice", got[0].Body)
	require.NotNil(t, got[0].DraftID)
	assert.EqualValues(t, 7, *got[0].DraftID)
	assert.Nil(t, got[0].ReadAt)
}
