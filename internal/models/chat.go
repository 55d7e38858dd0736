package models

import (
	"time"

	"gorm.io/datatypes"
)

// Message type labels accepted on the wire.
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeFile     = "file"
	MessageTypeReaction = "reaction"
)

// MaxPinnedPerRoom bounds how many messages may be pinned in a room at once.
const MaxPinnedPerRoom = 3

// Room is a named group-chat channel with a bounded member list.
type Room struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:64;uniqueIndex;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Avatar      string    `gorm:"size:255" json:"avatar"`
	IsActive    bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedByID uint      `gorm:"index" json:"created_by_id"`
	Members     []User    `gorm:"many2many:room_members" json:"members,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoomMember is the explicit join row behind Room.Members. Membership writes
// go through this model so no association magic creates users on the side.
type RoomMember struct {
	RoomID   uint      `gorm:"primaryKey" json:"room_id"`
	UserID   uint      `gorm:"primaryKey" json:"user_id"`
	JoinedAt time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

// TableName keeps the join table shared with the many2many tag on Room.
func (RoomMember) TableName() string { return "room_members" }

// MessageMention is the explicit join row behind Message.Mentions.
type MessageMention struct {
	MessageID uint `gorm:"primaryKey" json:"message_id"`
	UserID    uint `gorm:"primaryKey" json:"user_id"`
}

// TableName keeps the join table shared with the many2many tag on Message.
func (MessageMention) TableName() string { return "message_mentions" }

// Message is a single room message. Deletion is logical only: the row is
// retained with IsDeleted set, so threads and pins stay resolvable.
type Message struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	RoomID     uint              `gorm:"index;not null" json:"room_id"`
	SenderID   uint              `gorm:"index;not null" json:"sender_id"`
	Type       string            `gorm:"size:32;not null;default:text" json:"type"`
	Content    *string           `gorm:"type:text" json:"content"`
	Attachment string            `gorm:"size:255" json:"attachment"`
	ParentID   *uint             `gorm:"index" json:"parent_id"`
	Parent     *Message          `gorm:"foreignKey:ParentID" json:"parent,omitempty"`
	Mentions   []User            `gorm:"many2many:message_mentions" json:"mentions,omitempty"`
	Reactions  datatypes.JSONMap `gorm:"type:json" json:"reactions"`
	IsDeleted  bool              `gorm:"not null;default:false" json:"is_deleted"`
	IsEdited   bool              `gorm:"not null;default:false" json:"is_edited"`
	IsPinned   bool              `gorm:"not null;default:false;index" json:"is_pinned"`
	PinnedAt   *time.Time        `json:"pinned_at"`
	Status     datatypes.JSONMap `gorm:"type:json" json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// UserRoomStatus tracks the last time a user read a room. Rows are created
// lazily by the first mark-read, never by message traffic.
type UserRoomStatus struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_user_room" json:"user_id"`
	RoomID    uint      `gorm:"not null;uniqueIndex:idx_user_room" json:"room_id"`
	LastRead  time.Time `json:"last_read"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
