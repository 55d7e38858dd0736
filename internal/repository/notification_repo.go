package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/csi-connect/chatter-api/internal/models"
)

// NotificationRepository handles persistence for notification entities.
type NotificationRepository interface {
	Create(ctx context.Context, notification *models.Notification) error
	ListByUser(ctx context.Context, userID uint, limit, offset int) ([]models.Notification, error)
	MarkManyRead(ctx context.Context, userID uint, ids []uint) (int64, error)
	UnreadCount(ctx context.Context, userID uint) (int64, error)
	FindByID(ctx context.Context, id uint) (models.Notification, error)
}

type notificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository constructs a repository backed by GORM.
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, notification *models.Notification) error {
	return r.db.WithContext(ctx).Create(notification).Error
}

func (r *notificationRepository) ListByUser(ctx context.Context, userID uint, limit, offset int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var notifications []models.Notification
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&notifications).Error; err != nil {
		return nil, err
	}

	return notifications, nil
}

// MarkManyRead flips the given unread notifications for the user, or every
// unread one when ids is empty. Returns the number of rows changed.
func (r *notificationRepository) MarkManyRead(ctx context.Context, userID uint, ids []uint) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false)
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}

	result := query.Update("is_read", true)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *notificationRepository) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error
	return count, err
}

func (r *notificationRepository) FindByID(ctx context.Context, id uint) (models.Notification, error) {
	var notification models.Notification
	if err := r.db.WithContext(ctx).First(&notification, id).Error; err != nil {
		return models.Notification{}, err
	}
	return notification, nil
}

// DeviceTokenRepository stores push registrations with update-or-create
// semantics keyed on the token value.
type DeviceTokenRepository interface {
	Upsert(ctx context.Context, token *models.DeviceToken) error
	ListByUser(ctx context.Context, userID uint) ([]string, error)
}

type deviceTokenRepository struct {
	db *gorm.DB
}

// NewDeviceTokenRepository constructs a device-token repository backed by GORM.
func NewDeviceTokenRepository(db *gorm.DB) DeviceTokenRepository {
	return &deviceTokenRepository{db: db}
}

func (r *deviceTokenRepository) Upsert(ctx context.Context, token *models.DeviceToken) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "device_type", "updated_at"}),
		}).
		Create(token).Error
}

func (r *deviceTokenRepository) ListByUser(ctx context.Context, userID uint) ([]string, error) {
	var tokens []string
	err := r.db.WithContext(ctx).
		Model(&models.DeviceToken{}).
		Where("user_id = ?", userID).
		Pluck("token", &tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}
