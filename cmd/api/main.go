package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/csi-connect/chatter-api/internal/config"
	"github.com/csi-connect/chatter-api/internal/database"
	"github.com/csi-connect/chatter-api/internal/handler"
	"github.com/csi-connect/chatter-api/internal/middleware"
	"github.com/csi-connect/chatter-api/internal/models"
	"github.com/csi-connect/chatter-api/internal/presence"
	"github.com/csi-connect/chatter-api/internal/repository"
	"github.com/csi-connect/chatter-api/internal/router"
	"github.com/csi-connect/chatter-api/internal/service"
	"github.com/csi-connect/chatter-api/pkg/cloudinary"
	"github.com/csi-connect/chatter-api/pkg/push"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg)

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Room{},
		&models.RoomMember{},
		&models.Message{},
		&models.MessageMention{},
		&models.UserRoomStatus{},
		&models.Notification{},
		&models.DeviceToken{},
	); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database schema")
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	var natsConn *nats.Conn
	if cfg.NatsURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NatsURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
	} else {
		logger.Warn().Msg("nats url not configured, running without the nats event bus")
	}

	validate := validator.New()

	var assets service.AssetResolver
	if cfg.CloudinaryCloudName != "" {
		resolver, err := cloudinary.New(cloudinary.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryFolder,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize cloudinary")
		}
		assets = resolver
	} else {
		logger.Warn().Msg("cloudinary not configured, attachment references pass through unresolved")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dispatcher service.PushDispatcher
	if cfg.FirebaseCredentialsJSON != "" {
		client, err := push.New(ctx, push.Config{
			CredentialsJSON: cfg.FirebaseCredentialsJSON,
			ProjectID:       cfg.FirebaseProjectID,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize firebase messaging")
		}
		dispatcher = client
	} else {
		logger.Warn().Msg("firebase not configured, offline push disabled")
	}

	registry := presence.NewRedisRegistry(redisClient, cfg.ChannelBase, cfg.PresenceTTL, logger)

	roomRepo := repository.NewRoomRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	userRepo := repository.NewUserRepository(db)
	readRepo := repository.NewReadStatusRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	deviceRepo := repository.NewDeviceTokenRepository(db)

	notificationService := service.NewNotificationService(
		notificationRepo, deviceRepo, registry, dispatcher,
		redisClient, cfg.ChannelBase, natsConn, validate, logger,
	)
	chatService := service.NewChatService(
		roomRepo, messageRepo, userRepo, readRepo, registry,
		notificationService, assets,
		redisClient, cfg.ChannelBase, natsConn, validate, logger,
	)

	notificationService.Start(ctx)
	chatService.Start(ctx)

	app := fiber.New(fiber.Config{AppName: cfg.AppName})
	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, router.Dependencies{
		Config:        cfg,
		Chat:          handler.NewChatHandler(chatService, logger),
		Notifications: handler.NewNotificationHandler(notificationService, logger),
	})

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	logger.Info().Str("port", cfg.Port).Msg("chatter api started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			logger.Warn().Err(err).Msg("failed to drain nats connection")
		}
	}
	if err := redisClient.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close redis connection")
	}

	logger.Info().Msg("chatter api stopped")
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", cfg.AppName).
		Logger()

	if !cfg.IsProduction() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	return logger
}
