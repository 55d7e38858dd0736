package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/csi-connect/chatter-api/internal/models"
)

// RoomRepository exposes the room lookups the realtime layer depends on.
// Room administration (naming, avatars, ownership) lives outside this service.
type RoomRepository interface {
	FindByID(ctx context.Context, id uint) (models.Room, error)
	IsMember(ctx context.Context, roomID, userID uint) (bool, error)
	MemberIDs(ctx context.Context, roomID uint) ([]uint, error)
	ListForUser(ctx context.Context, userID uint) ([]models.Room, error)
	Create(ctx context.Context, room *models.Room, memberIDs []uint) error
	Delete(ctx context.Context, id uint) error
}

type roomRepository struct {
	db *gorm.DB
}

// NewRoomRepository constructs a room repository backed by GORM.
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

func (r *roomRepository) FindByID(ctx context.Context, id uint) (models.Room, error) {
	var room models.Room
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).First(&room, id).Error; err != nil {
		return models.Room{}, err
	}
	return room, nil
}

func (r *roomRepository) IsMember(ctx context.Context, roomID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *roomRepository) MemberIDs(ctx context.Context, roomID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.RoomMember{}).
		Where("room_id = ?", roomID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *roomRepository) ListForUser(ctx context.Context, userID uint) ([]models.Room, error) {
	var rooms []models.Room
	err := r.db.WithContext(ctx).
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.user_id = ? AND rooms.is_active = ?", userID, true).
		Order("rooms.name ASC").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (r *roomRepository) Create(ctx context.Context, room *models.Room, memberIDs []uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Members").Create(room).Error; err != nil {
			return err
		}
		for _, userID := range memberIDs {
			if err := tx.Create(&models.RoomMember{RoomID: room.ID, UserID: userID}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes the room and cascades its messages, mentions, membership
// rows and read statuses. This is the only physical message deletion path.
func (r *roomRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var messageIDs []uint
		if err := tx.Model(&models.Message{}).Where("room_id = ?", id).Pluck("id", &messageIDs).Error; err != nil {
			return err
		}
		if len(messageIDs) > 0 {
			if err := tx.Where("message_id IN ?", messageIDs).Delete(&models.MessageMention{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("room_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", id).Delete(&models.RoomMember{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", id).Delete(&models.UserRoomStatus{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Room{}, id).Error
	})
}
