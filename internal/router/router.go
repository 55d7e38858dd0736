package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/csi-connect/chatter-api/internal/config"
	"github.com/csi-connect/chatter-api/internal/handler"
	"github.com/csi-connect/chatter-api/internal/middleware"
	"github.com/csi-connect/chatter-api/internal/observability"
)

// Dependencies wires the handlers the router needs.
type Dependencies struct {
	Config        config.Config
	Chat          *handler.ChatHandler
	Notifications *handler.NotificationHandler
}

// Register attaches every route of the service to the app.
func Register(app *fiber.App, deps Dependencies) {
	app.Get("/healthz", handler.HealthCheck(deps.Config))

	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1")
	auth := middleware.JWTProtected(deps.Config.JWTSecret)
	roles := middleware.RequireRole("admin", "moderator", "member")

	chat := api.Group("/chat", auth, roles)
	chat.Get("/ws", deps.Chat.Upgrade, deps.Chat.Stream())
	chat.Get("/rooms", deps.Chat.Rooms)
	chat.Get("/history", deps.Chat.History)
	chat.Get("/pinned", deps.Chat.Pinned)
	chat.Post("/rooms/:id/read", middleware.RateLimit("chat-mark-read", 30, time.Minute), deps.Chat.MarkRead)

	notifications := api.Group("/notifications", auth, roles)
	notifications.Get("/", deps.Notifications.List)
	notifications.Get("/stream", deps.Notifications.Stream)
	notifications.Patch("/read", deps.Notifications.MarkRead)
	notifications.Get("/unread-count", deps.Notifications.UnreadCount)
	notifications.Post("/devices", middleware.RateLimit("device-register", 10, time.Minute), deps.Notifications.RegisterDevice)
}
