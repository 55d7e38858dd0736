package dto

import (
	"time"

	"github.com/csi-connect/chatter-api/internal/models"
)

// NotificationCreateRequest describes the payload to publish a notification.
type NotificationCreateRequest struct {
	UserID    uint              `json:"user_id" validate:"required"`
	EventType string            `json:"event_type" validate:"required,max=50"`
	Message   string            `json:"message" validate:"required,min=1,max=2000"`
	URL       string            `json:"url" validate:"omitempty,max=255"`
	Title     string            `json:"title" validate:"omitempty,max=255"`
	Data      map[string]string `json:"data" validate:"omitempty,max=16"`
}

// NotificationResponse represents notification data returned to clients.
type NotificationResponse struct {
	ID        uint      `json:"id"`
	UserID    uint      `json:"user_id"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	URL       string    `json:"url,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewNotificationResponse converts a notification model to DTO.
func NewNotificationResponse(model models.Notification) NotificationResponse {
	return NotificationResponse{
		ID:        model.ID,
		UserID:    model.UserID,
		EventType: model.EventType,
		Message:   model.Message,
		URL:       model.URL,
		IsRead:    model.IsRead,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
}

// NewNotificationResponseSlice converts a slice to DTOs.
func NewNotificationResponseSlice(items []models.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationResponse(item))
	}
	return out
}

// MarkNotificationsReadRequest selects notifications to mark. An empty id
// list marks everything unread for the user.
type MarkNotificationsReadRequest struct {
	NotificationIDs []uint `json:"notification_ids" validate:"omitempty,max=200"`
}

// MarkNotificationsReadResponse reports how many rows changed.
type MarkNotificationsReadResponse struct {
	Updated int64 `json:"updated"`
}

// UnreadCountResponse carries an unread counter.
type UnreadCountResponse struct {
	UnreadCount int64 `json:"unread_count"`
}

// DeviceTokenRequest registers a push token for the authenticated user.
type DeviceTokenRequest struct {
	DeviceToken string `json:"device_token" validate:"required,min=8,max=512"`
	DeviceType  string `json:"device_type" validate:"omitempty,oneof=android ios web"`
}

// DeviceTokenResponse echoes the stored registration.
type DeviceTokenResponse struct {
	DeviceToken string `json:"device_token"`
	DeviceType  string `json:"device_type"`
}
