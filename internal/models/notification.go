package models

import "time"

// Notification event type tags emitted by the realtime layer.
const (
	NotificationChatMention = "chat_mention"
	NotificationChatMessage = "chat_message"
)

// Notification is a durable inbox entry for a single user. It is persisted
// before any live or push delivery is attempted.
type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	EventType string    `gorm:"size:50;not null" json:"event_type"`
	URL       string    `gorm:"size:255" json:"url"`
	IsRead    bool      `gorm:"not null;default:false" json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Device type labels for push tokens.
const (
	DeviceAndroid = "android"
	DeviceIOS     = "ios"
	DeviceWeb     = "web"
)

// DeviceToken maps a user to a push-capable device registration.
type DeviceToken struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"index;not null" json:"user_id"`
	Token      string    `gorm:"size:512;uniqueIndex;not null" json:"token"`
	DeviceType string    `gorm:"size:16;default:android" json:"device_type"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
