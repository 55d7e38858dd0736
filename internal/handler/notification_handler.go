package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/csi-connect/chatter-api/internal/dto"
	"github.com/csi-connect/chatter-api/internal/service"
	"github.com/csi-connect/chatter-api/internal/utils"
)

const streamKeepAliveInterval = 25 * time.Second

// NotificationHandler exposes the notification REST surface and the live SSE
// stream.
type NotificationHandler struct {
	service service.NotificationService
	logger  zerolog.Logger
}

// NewNotificationHandler constructs a notification handler.
func NewNotificationHandler(notificationService service.NotificationService, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: notificationService,
		logger:  logger.With().Str("component", "notification_handler").Logger(),
	}
}

// List returns the caller's notifications, newest first.
func (h *NotificationHandler) List(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)

	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit parameter")
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid offset parameter")
	}

	notifications, err := h.service.List(c.UserContext(), userID, limit, offset)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list notifications")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list notifications")
	}

	return utils.SendSuccess(c, "notifications retrieved", notifications)
}

// Stream serves live notifications over server-sent events until the client
// disconnects.
func (h *NotificationHandler) Stream(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	logger := h.logger.With().Uint("user_id", userID).Logger()

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	events, cancel := h.service.Subscribe(userID)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		keepAlive := time.NewTicker(streamKeepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case notification, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(notification)
				if err != nil {
					logger.Warn().Err(err).Msg("failed to encode notification event")
					continue
				}
				if _, err := fmt.Fprintf(w, "event: notification\ndata: %s\n\n", payload); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))

	return nil
}

// MarkRead flags the selected notifications as read. An empty id list marks
// everything unread for the caller.
func (h *NotificationHandler) MarkRead(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)

	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	var request dto.MarkNotificationsReadRequest
	if err := c.BodyParser(&request); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	updated, err := h.service.MarkManyRead(c.UserContext(), userID, request.NotificationIDs)
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark notifications read")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to mark notifications read")
	}

	return utils.SendSuccess(c, "notifications marked as read", dto.MarkNotificationsReadResponse{Updated: updated})
}

// UnreadCount returns the caller's unread notification count.
func (h *NotificationHandler) UnreadCount(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)

	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	count, err := h.service.UnreadCount(c.UserContext(), userID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to count unread notifications")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to count unread notifications")
	}

	return utils.SendSuccess(c, "unread count retrieved", dto.UnreadCountResponse{UnreadCount: count})
}

// RegisterDevice stores a push token for the caller.
func (h *NotificationHandler) RegisterDevice(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)

	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	var request dto.DeviceTokenRequest
	if err := c.BodyParser(&request); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	registration, err := h.service.RegisterDevice(c.UserContext(), userID, request)
	if err != nil {
		if isValidationError(err) {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid device registration")
		}
		logger.Error().Err(err).Msg("failed to register device token")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to register device token")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "device registered", registration)
}
