package handler

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/csi-connect/chatter-api/internal/dto"
	"github.com/csi-connect/chatter-api/internal/middleware"
	"github.com/csi-connect/chatter-api/internal/service"
	"github.com/csi-connect/chatter-api/internal/utils"
)

// ChatHandler exposes the websocket gateway and the chat REST surface.
type ChatHandler struct {
	service service.ChatService
	logger  zerolog.Logger
}

// NewChatHandler constructs a chat handler.
func NewChatHandler(chatService service.ChatService, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service: chatService,
		logger:  logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Upgrade guards the websocket route. Requests without an authenticated user
// or a room id are rejected before the protocol switch.
func (h *ChatHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return utils.SendError(c, fiber.StatusUpgradeRequired, "websocket upgrade required")
	}

	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	roomID, err := parseQueryUint(c, "room_id")
	if err != nil || roomID == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "room_id query parameter required")
	}

	c.Locals("chat_room_id", roomID)
	c.Locals("chat_correlation_id", middleware.GetCorrelationID(c))

	return c.Next()
}

// Stream hands the upgraded connection to the gateway and blocks for the
// session lifetime.
func (h *ChatHandler) Stream() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		roomID, _ := conn.Locals("chat_room_id").(uint)
		correlationID, _ := conn.Locals("chat_correlation_id").(string)

		userID := uint(0)
		if v, ok := conn.Locals("user_id").(uint); ok {
			userID = v
		}
		role, _ := conn.Locals("user_role").(string)

		h.service.ServeConnection(conn, service.ChatConnectionOptions{
			UserID:        userID,
			Role:          role,
			RoomID:        roomID,
			CorrelationID: correlationID,
		})
	})
}

// Rooms lists the caller's rooms with their unread counts.
func (h *ChatHandler) Rooms(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)

	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	rooms, err := h.service.Rooms(c.UserContext(), userID)
	if err != nil {
		return h.mapChatError(c, logger, err, "failed to list rooms")
	}

	return utils.SendSuccess(c, "rooms retrieved", rooms)
}

// History returns room messages in chronological order.
func (h *ChatHandler) History(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)

	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	roomID, err := parseQueryUint(c, "room_id")
	if err != nil || roomID == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "room_id query parameter required")
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit parameter")
	}

	query := dto.ChatHistoryQuery{RoomID: roomID, Limit: limit}
	if raw := c.Query("before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "before must be an RFC3339 timestamp")
		}
		query.Before = &before
	}

	messages, err := h.service.History(c.UserContext(), userID, query)
	if err != nil {
		return h.mapChatError(c, logger, err, "failed to load chat history")
	}

	return utils.SendSuccess(c, "chat history retrieved", messages)
}

// Pinned lists the pinned messages of a room, most recently pinned first.
func (h *ChatHandler) Pinned(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)

	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	roomID, err := parseQueryUint(c, "room_id")
	if err != nil || roomID == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "room_id query parameter required")
	}

	messages, err := h.service.Pinned(c.UserContext(), userID, roomID)
	if err != nil {
		return h.mapChatError(c, logger, err, "failed to load pinned messages")
	}

	return utils.SendSuccess(c, "pinned messages retrieved", messages)
}

// MarkRead advances the caller's last-read marker for the room.
func (h *ChatHandler) MarkRead(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)

	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	roomID, err := parseParamUint(c, "id")
	if err != nil || roomID == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid room id")
	}

	status, err := h.service.MarkRoomRead(c.UserContext(), userID, roomID)
	if err != nil {
		return h.mapChatError(c, logger, err, "failed to mark room as read")
	}

	return utils.SendSuccess(c, "room marked as read", status)
}

func (h *ChatHandler) mapChatError(c *fiber.Ctx, logger *zerolog.Logger, err error, fallback string) error {
	switch {
	case isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request parameters")
	case errors.Is(err, service.ErrNotRoomMember):
		return utils.SendError(c, fiber.StatusForbidden, "you are not a member of this room")
	case errors.Is(err, gorm.ErrRecordNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "room not found")
	default:
		logger.Error().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}
