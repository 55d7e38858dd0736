package dto

import (
	"time"

	"github.com/csi-connect/chatter-api/internal/models"
)

// ChatAction is the closed set of inbound websocket actions. Dispatch happens
// over these constants only; anything else is answered with an error reply.
type ChatAction string

const (
	ActionSendMessage   ChatAction = "send_message"
	ActionEditMessage   ChatAction = "edit_message"
	ActionDeleteMessage ChatAction = "delete_message"
	ActionReactMessage  ChatAction = "react_message"
	ActionPinMessage    ChatAction = "pin_message"
	ActionUnpinMessage  ChatAction = "unpin_message"
	ActionTyping        ChatAction = "typing"
	ActionStopTyping    ChatAction = "stop_typing"
	ActionMarkRead      ChatAction = "mark_read"
)

// ParseChatAction maps a wire label onto the closed action set.
func ParseChatAction(label string) (ChatAction, bool) {
	switch action := ChatAction(label); action {
	case ActionSendMessage, ActionEditMessage, ActionDeleteMessage,
		ActionReactMessage, ActionPinMessage, ActionUnpinMessage,
		ActionTyping, ActionStopTyping, ActionMarkRead:
		return action, true
	default:
		return "", false
	}
}

// ChatActionRequest is the inbound envelope. Per-action required fields are
// checked by the gateway after the action label resolves.
type ChatActionRequest struct {
	Action     string `json:"action" validate:"required,max=32"`
	Message    string `json:"message" validate:"omitempty,max=4000"`
	Type       string `json:"message_type" validate:"omitempty,oneof=text image file reaction"`
	Attachment string `json:"attachment" validate:"omitempty,max=255"`
	Mentions   []uint `json:"mentions" validate:"omitempty,max=50"`
	ParentID   *uint  `json:"parent_id"`
	MessageID  uint   `json:"message_id"`
	NewContent string `json:"new_content" validate:"omitempty,max=4000"`
	Reaction   string `json:"reaction" validate:"omitempty,max=32"`
}

// ChatEventType discriminates outbound broadcast payloads.
type ChatEventType string

const (
	EventChatMessage   ChatEventType = "chat_message"
	EventEdited        ChatEventType = "edited"
	EventDeleted       ChatEventType = "deleted"
	EventReacted       ChatEventType = "reacted"
	EventMessagePinned ChatEventType = "message_pinned"
	EventTyping        ChatEventType = "typing"
)

// SenderSnapshot is the enriched sender block attached to chat_message events.
type SenderSnapshot struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Photo string `json:"photo,omitempty"`
	Role  string `json:"role"`
}

// ParentPreview summarises the replied-to message on threaded sends.
type ParentPreview struct {
	ID       uint   `json:"id"`
	SenderID uint   `json:"sender_id"`
	Content  string `json:"content,omitempty"`
}

// ChatEvent is the outbound broadcast payload. Only the fields relevant to
// the event type are populated; IsSelf is computed per recipient at delivery.
type ChatEvent struct {
	Type       ChatEventType    `json:"type"`
	ID         uint             `json:"id,omitempty"`
	RoomID     uint             `json:"room_id,omitempty"`
	SenderID   uint             `json:"sender_id,omitempty"`
	Sender     *SenderSnapshot  `json:"sender,omitempty"`
	Message    string           `json:"message,omitempty"`
	NewContent string           `json:"new_content,omitempty"`
	MsgType    string           `json:"message_type,omitempty"`
	Attachment string           `json:"attachment,omitempty"`
	Parent     *ParentPreview   `json:"parent,omitempty"`
	Reactions  map[string]int64 `json:"reactions,omitempty"`
	IsPinned   *bool            `json:"is_pinned,omitempty"`
	PinnedAt   *time.Time       `json:"pinned_at,omitempty"`
	IsTyping   *bool            `json:"is_typing,omitempty"`
	CreatedAt  *time.Time       `json:"created_at,omitempty"`
	IsSelf     bool             `json:"is_self"`
}

// ChatErrorReply is sent to the acting connection only, never broadcast.
type ChatErrorReply struct {
	Error string `json:"error"`
}

// ChatHistoryQuery filters the history endpoint.
type ChatHistoryQuery struct {
	RoomID uint       `query:"room_id" validate:"required"`
	Before *time.Time `query:"before"`
	Limit  int        `query:"limit" validate:"omitempty,min=1,max=100"`
}

// ChatMessageResponse is the REST representation of a stored message.
type ChatMessageResponse struct {
	ID         uint             `json:"id"`
	RoomID     uint             `json:"room_id"`
	SenderID   uint             `json:"sender_id"`
	Type       string           `json:"type"`
	Content    string           `json:"content,omitempty"`
	Attachment string           `json:"attachment,omitempty"`
	ParentID   *uint            `json:"parent_id,omitempty"`
	Reactions  map[string]int64 `json:"reactions,omitempty"`
	IsDeleted  bool             `json:"is_deleted"`
	IsEdited   bool             `json:"is_edited"`
	IsPinned   bool             `json:"is_pinned"`
	PinnedAt   *time.Time       `json:"pinned_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// NewChatMessageResponse converts a model into a DTO. Deleted messages keep
// their row but drop content from the serialized form.
func NewChatMessageResponse(message models.Message) ChatMessageResponse {
	response := ChatMessageResponse{
		ID:         message.ID,
		RoomID:     message.RoomID,
		SenderID:   message.SenderID,
		Type:       message.Type,
		Attachment: message.Attachment,
		ParentID:   message.ParentID,
		Reactions:  ReactionCounts(message.Reactions),
		IsDeleted:  message.IsDeleted,
		IsEdited:   message.IsEdited,
		IsPinned:   message.IsPinned,
		PinnedAt:   message.PinnedAt,
		CreatedAt:  message.CreatedAt,
		UpdatedAt:  message.UpdatedAt,
	}
	if !message.IsDeleted && message.Content != nil {
		response.Content = *message.Content
	}
	return response
}

// NewChatMessageResponseSlice converts a slice of models into DTOs.
func NewChatMessageResponseSlice(messages []models.Message) []ChatMessageResponse {
	out := make([]ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewChatMessageResponse(message))
	}
	return out
}

// ReactionCounts normalizes the stored JSON counter map. JSON numbers come
// back as float64 from the blob.
func ReactionCounts(raw map[string]interface{}) map[string]int64 {
	if len(raw) == 0 {
		return nil
	}
	counts := make(map[string]int64, len(raw))
	for label, value := range raw {
		switch v := value.(type) {
		case float64:
			counts[label] = int64(v)
		case int64:
			counts[label] = v
		case int:
			counts[label] = int64(v)
		}
	}
	return counts
}

// RoomSummary is one entry of the caller's room list.
type RoomSummary struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	UnreadCount int64  `json:"unread_count"`
}

// MarkRoomReadResponse reports the room state after a mark-read.
type MarkRoomReadResponse struct {
	RoomID      uint      `json:"room_id"`
	LastRead    time.Time `json:"last_read"`
	UnreadCount int64     `json:"unread_count"`
}
