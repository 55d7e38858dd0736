package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/csi-connect/chatter-api/internal/models"
)

func seedNotifications(t *testing.T, repo NotificationRepository, userID uint, count int) []uint {
	t.Helper()

	var ids []uint
	for i := 0; i < count; i++ {
		notification := models.Notification{
			UserID:    userID,
			EventType: models.NotificationChatMention,
			Message:   fmt.Sprintf("notification %d", i),
		}
		require.NoError(t, repo.Create(context.Background(), &notification))
		ids = append(ids, notification.ID)
	}
	return ids
}

func TestNotificationRepositoryMarkSelectedRead(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewNotificationRepository(db)
	ids := seedNotifications(t, repo, 7, 3)

	updated, err := repo.MarkManyRead(context.Background(), 7, ids[:2])
	require.NoError(t, err)
	require.EqualValues(t, 2, updated)

	count, err := repo.UnreadCount(context.Background(), 7)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	// Already-read rows do not count again.
	updated, err = repo.MarkManyRead(context.Background(), 7, ids[:2])
	require.NoError(t, err)
	require.Zero(t, updated)
}

func TestNotificationRepositoryMarkAllRead(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewNotificationRepository(db)
	seedNotifications(t, repo, 7, 3)
	seedNotifications(t, repo, 8, 2)

	updated, err := repo.MarkManyRead(context.Background(), 7, nil)
	require.NoError(t, err)
	require.EqualValues(t, 3, updated)

	// Other users' rows are untouched.
	count, err := repo.UnreadCount(context.Background(), 8)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestNotificationRepositoryListNewestFirst(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewNotificationRepository(db)
	ids := seedNotifications(t, repo, 7, 3)

	notifications, err := repo.ListByUser(context.Background(), 7, 2, 0)
	require.NoError(t, err)
	require.Len(t, notifications, 2)
	require.Equal(t, ids[2], notifications[0].ID)
}

func TestDeviceTokenRepositoryUpsert(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewDeviceTokenRepository(db)

	token := models.DeviceToken{UserID: 1, Token: "token-abc", DeviceType: models.DeviceAndroid}
	require.NoError(t, repo.Upsert(context.Background(), &token))

	// Re-registering the same token moves it to the new owner.
	moved := models.DeviceToken{UserID: 2, Token: "token-abc", DeviceType: models.DeviceIOS}
	require.NoError(t, repo.Upsert(context.Background(), &moved))

	previous, err := repo.ListByUser(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, previous)

	current, err := repo.ListByUser(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []string{"token-abc"}, current)
}
