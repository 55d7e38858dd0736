package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/csi-connect/chatter-api/internal/models"
)

func TestRoomRepositoryFindByIDSkipsInactive(t *testing.T) {
	db := setupChatTestDB(t)
	room := seedRoom(t, db, 1)
	repo := NewRoomRepository(db)

	found, err := repo.FindByID(context.Background(), room.ID)
	require.NoError(t, err)
	require.Equal(t, room.Name, found.Name)

	require.NoError(t, db.Model(&models.Room{}).Where("id = ?", room.ID).Update("is_active", false).Error)
	_, err = repo.FindByID(context.Background(), room.ID)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRoomRepositoryMembership(t *testing.T) {
	db := setupChatTestDB(t)
	room := seedRoom(t, db, 1, 2)
	repo := NewRoomRepository(db)

	member, err := repo.IsMember(context.Background(), room.ID, 1)
	require.NoError(t, err)
	require.True(t, member)

	member, err = repo.IsMember(context.Background(), room.ID, 99)
	require.NoError(t, err)
	require.False(t, member)

	ids, err := repo.MemberIDs(context.Background(), room.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint{1, 2}, ids)
}

func TestRoomRepositoryListForUser(t *testing.T) {
	db := setupChatTestDB(t)
	room := seedRoom(t, db, 1, 2)
	repo := NewRoomRepository(db)

	other := models.Room{Name: room.Name + "-other", IsActive: true, CreatedByID: 1}
	require.NoError(t, db.Create(&other).Error)
	require.NoError(t, db.Create(&models.RoomMember{RoomID: other.ID, UserID: 1}).Error)

	inactive := models.Room{Name: room.Name + "-closed", IsActive: false, CreatedByID: 1}
	require.NoError(t, db.Create(&inactive).Error)
	require.NoError(t, db.Create(&models.RoomMember{RoomID: inactive.ID, UserID: 1}).Error)

	rooms, err := repo.ListForUser(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rooms, 2)

	rooms, err = repo.ListForUser(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, room.ID, rooms[0].ID)

	rooms, err = repo.ListForUser(context.Background(), 99)
	require.NoError(t, err)
	require.Empty(t, rooms)
}

func TestRoomRepositoryDeleteCascades(t *testing.T) {
	db := setupChatTestDB(t)
	room := seedRoom(t, db, 1, 2)
	rooms := NewRoomRepository(db)
	messages := NewMessageRepository(db)
	reads := NewReadStatusRepository(db)

	message := textMessage(room.ID, 1, "bye")
	require.NoError(t, messages.Create(context.Background(), message, []uint{2}))
	_, err := reads.MarkRead(context.Background(), 2, room.ID, message.CreatedAt)
	require.NoError(t, err)

	require.NoError(t, rooms.Delete(context.Background(), room.ID))

	for _, model := range []interface{}{
		&models.Room{}, &models.RoomMember{}, &models.Message{},
		&models.MessageMention{}, &models.UserRoomStatus{},
	} {
		var count int64
		require.NoError(t, db.Model(model).Count(&count).Error)
		require.Zero(t, count)
	}
}
