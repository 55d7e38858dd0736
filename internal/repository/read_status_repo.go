package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/csi-connect/chatter-api/internal/models"
)

// ReadStatusRepository maintains the lazily-created (user, room) last-read
// rows. The upsert is explicit: first mark-read creates the row, later ones
// only advance the timestamp.
type ReadStatusRepository interface {
	MarkRead(ctx context.Context, userID, roomID uint, at time.Time) (models.UserRoomStatus, error)
	Get(ctx context.Context, userID, roomID uint) (models.UserRoomStatus, error)
	UnreadCount(ctx context.Context, userID, roomID uint) (int64, error)
}

type readStatusRepository struct {
	db *gorm.DB
}

// NewReadStatusRepository constructs a read-status repository backed by GORM.
func NewReadStatusRepository(db *gorm.DB) ReadStatusRepository {
	return &readStatusRepository{db: db}
}

func (r *readStatusRepository) MarkRead(ctx context.Context, userID, roomID uint, at time.Time) (models.UserRoomStatus, error) {
	status := models.UserRoomStatus{
		UserID:   userID,
		RoomID:   roomID,
		LastRead: at,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_read", "updated_at"}),
		}).
		Create(&status).Error
	if err != nil {
		return models.UserRoomStatus{}, err
	}

	return r.Get(ctx, userID, roomID)
}

func (r *readStatusRepository) Get(ctx context.Context, userID, roomID uint) (models.UserRoomStatus, error) {
	var status models.UserRoomStatus
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		First(&status).Error
	if err != nil {
		return models.UserRoomStatus{}, err
	}
	return status, nil
}

// UnreadCount counts live messages newer than the user's last read. A user
// without a status row has read nothing, so every message counts.
func (r *readStatusRepository) UnreadCount(ctx context.Context, userID, roomID uint) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("room_id = ? AND is_deleted = ?", roomID, false)

	status, err := r.Get(ctx, userID, roomID)
	switch {
	case err == nil:
		query = query.Where("created_at > ?", status.LastRead)
	case errors.Is(err, gorm.ErrRecordNotFound):
		// No row yet: everything is unread.
	default:
		return 0, err
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
