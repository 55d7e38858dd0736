package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/csi-connect/chatter-api/internal/models"
)

// Storage-level invariant violations surfaced to the gateway.
var (
	ErrSenderNotMember = errors.New("sender is not a member of the room")
	ErrParentNotFound  = errors.New("parent message not found in room")
	ErrMessageDeleted  = errors.New("message is deleted")
	ErrPinLimitReached = fmt.Errorf("room already has %d pinned messages", models.MaxPinnedPerRoom)
)

// MessageRepository persists messages and enforces the write-time invariants:
// senders must be current room members and at most MaxPinnedPerRoom messages
// may be pinned per room.
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message, mentionIDs []uint) error
	FindByID(ctx context.Context, id uint) (models.Message, error)
	UpdateContent(ctx context.Context, id uint, content string) (models.Message, error)
	SoftDelete(ctx context.Context, id uint) error
	IncrementReaction(ctx context.Context, id uint, label string) (models.Message, error)
	Pin(ctx context.Context, id uint) (models.Message, error)
	Unpin(ctx context.Context, id uint) (models.Message, error)
	ListByRoom(ctx context.Context, roomID uint, before time.Time, limit int) ([]models.Message, error)
	ListPinned(ctx context.Context, roomID uint) ([]models.Message, error)
	CountPinned(ctx context.Context, roomID uint) (int64, error)
	MentionIDs(ctx context.Context, messageID uint) ([]uint, error)
}

type messageRepository struct {
	db    *gorm.DB
	locks keyedMutex
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// Create rejects writes from non-members and replies to missing parents,
// drops mentions of users outside the room, then stores the row and its
// mention join rows in one transaction.
func (r *messageRepository) Create(ctx context.Context, message *models.Message, mentionIDs []uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var membership int64
		if err := tx.Model(&models.RoomMember{}).
			Where("room_id = ? AND user_id = ?", message.RoomID, message.SenderID).
			Count(&membership).Error; err != nil {
			return err
		}
		if membership == 0 {
			return ErrSenderNotMember
		}

		if message.ParentID != nil {
			var parents int64
			if err := tx.Model(&models.Message{}).
				Where("id = ? AND room_id = ?", *message.ParentID, message.RoomID).
				Count(&parents).Error; err != nil {
				return err
			}
			if parents == 0 {
				return ErrParentNotFound
			}
		}

		if message.Status == nil {
			message.Status = datatypes.JSONMap{"delivered": true}
		}

		// Mentions are bounded to current room members.
		if len(mentionIDs) > 0 {
			var memberMentions []uint
			if err := tx.Model(&models.RoomMember{}).
				Where("room_id = ? AND user_id IN ?", message.RoomID, mentionIDs).
				Pluck("user_id", &memberMentions).Error; err != nil {
				return err
			}
			mentionIDs = memberMentions
		}

		if err := tx.Omit("Mentions", "Parent").Create(message).Error; err != nil {
			return err
		}

		for _, userID := range mentionIDs {
			if err := tx.Create(&models.MessageMention{MessageID: message.ID, UserID: userID}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *messageRepository) FindByID(ctx context.Context, id uint) (models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// UpdateContent applies an edit. Repeated edits stay edited; deleted messages
// are immutable.
func (r *messageRepository) UpdateContent(ctx context.Context, id uint, content string) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&message, id).Error; err != nil {
			return err
		}
		if message.IsDeleted {
			return ErrMessageDeleted
		}
		if err := tx.Model(&message).Updates(map[string]interface{}{
			"content":   content,
			"is_edited": true,
		}).Error; err != nil {
			return err
		}
		message.Content = &content
		message.IsEdited = true
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// SoftDelete flags the row. Deleting an already-deleted message is a no-op
// with the same observable outcome.
func (r *messageRepository) SoftDelete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", id).
		Update("is_deleted", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// IncrementReaction bumps the counter for a label. Counts are label-keyed,
// not per-user deduplicated. The per-message lock keeps concurrent
// read-modify-write cycles from losing increments.
func (r *messageRepository) IncrementReaction(ctx context.Context, id uint, label string) (models.Message, error) {
	unlock := r.locks.lock(fmt.Sprintf("message:%d", id))
	defer unlock()

	var message models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&message, id).Error; err != nil {
			return err
		}
		if message.IsDeleted {
			return ErrMessageDeleted
		}

		reactions := message.Reactions
		if reactions == nil {
			reactions = datatypes.JSONMap{}
		}
		current := int64(0)
		if raw, ok := reactions[label]; ok {
			switch v := raw.(type) {
			case float64:
				current = int64(v)
			case int64:
				current = v
			case int:
				current = int64(v)
			}
		}
		reactions[label] = current + 1
		message.Reactions = reactions

		return tx.Model(&models.Message{}).Where("id = ?", id).Update("reactions", reactions).Error
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// Pin sets the pinned flag while holding the room bound at MaxPinnedPerRoom.
// The count and the flag flip happen in a single conditional UPDATE, and a
// per-room lock serialises concurrent pin attempts so the bound can never be
// overshot. Pinning an already-pinned message is idempotent.
func (r *messageRepository) Pin(ctx context.Context, id uint) (models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return models.Message{}, err
	}
	if message.IsPinned {
		return message, nil
	}

	unlock := r.locks.lock(fmt.Sprintf("room-pin:%d", message.RoomID))
	defer unlock()

	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND is_pinned = ?", id, false).
		Where("(SELECT COUNT(*) FROM messages pinned WHERE pinned.room_id = ? AND pinned.is_pinned = ?) < ?",
			message.RoomID, true, models.MaxPinnedPerRoom).
		Updates(map[string]interface{}{"is_pinned": true, "pinned_at": now})
	if result.Error != nil {
		return models.Message{}, result.Error
	}
	if result.RowsAffected == 0 {
		return models.Message{}, ErrPinLimitReached
	}

	message.IsPinned = true
	message.PinnedAt = &now
	return message, nil
}

// Unpin always succeeds for an existing message.
func (r *messageRepository) Unpin(ctx context.Context, id uint) (models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return models.Message{}, err
	}
	if !message.IsPinned {
		return message, nil
	}

	if err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_pinned": false, "pinned_at": nil}).Error; err != nil {
		return models.Message{}, err
	}

	message.IsPinned = false
	message.PinnedAt = nil
	return message, nil
}

func (r *messageRepository) ListByRoom(ctx context.Context, roomID uint, before time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Where("room_id = ?", roomID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var messages []models.Message
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse to chronological order ascending for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *messageRepository) ListPinned(ctx context.Context, roomID uint) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND is_pinned = ?", roomID, true).
		Order("pinned_at DESC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) CountPinned(ctx context.Context, roomID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("room_id = ? AND is_pinned = ?", roomID, true).
		Count(&count).Error
	return count, err
}

func (r *messageRepository) MentionIDs(ctx context.Context, messageID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.MessageMention{}).
		Where("message_id = ?", messageID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// keyedMutex hands out one mutex per key, used as the in-process
// serialisation point for pin and reaction writes.
type keyedMutex struct {
	mutexes sync.Map
}

func (k *keyedMutex) lock(key string) func() {
	value, _ := k.mutexes.LoadOrStore(key, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
