package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/csi-connect/chatter-api/internal/dto"
	"github.com/csi-connect/chatter-api/internal/models"
	"github.com/csi-connect/chatter-api/internal/observability"
	"github.com/csi-connect/chatter-api/internal/presence"
	"github.com/csi-connect/chatter-api/internal/repository"
	"github.com/csi-connect/chatter-api/pkg/push"
)

const notificationBufferSize = 16

// PushDispatcher hands a notification off to the external push collaborator.
// Errors are never fatal to the triggering action.
type PushDispatcher interface {
	Dispatch(ctx context.Context, msg push.Message) (push.Result, error)
}

// NotificationService persists notifications and fans them out over two
// independent best-effort paths: a live per-user stream and offline push.
type NotificationService interface {
	Publish(ctx context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error)
	Push(ctx context.Context, userID uint, title, body, link string, data map[string]string)
	List(ctx context.Context, userID uint, limit, offset int) ([]dto.NotificationResponse, error)
	MarkManyRead(ctx context.Context, userID uint, ids []uint) (int64, error)
	UnreadCount(ctx context.Context, userID uint) (int64, error)
	RegisterDevice(ctx context.Context, userID uint, payload dto.DeviceTokenRequest) (dto.DeviceTokenResponse, error)
	Subscribe(userID uint) (<-chan dto.NotificationResponse, func())
	Start(ctx context.Context)
}

type notificationService struct {
	repo        repository.NotificationRepository
	devices     repository.DeviceTokenRepository
	presence    presence.Registry
	dispatcher  PushDispatcher
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
	sanitizer   *bluemonday.Policy
	broker      *notificationBroker
	nodeID      string
}

type notificationEvent struct {
	Source       string                   `json:"source"`
	Notification dto.NotificationResponse `json:"notification"`
	SentAt       time.Time                `json:"sent_at"`
}

type notificationBroker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan dto.NotificationResponse]struct{}
}

// NewNotificationService constructs a notification fanout service.
func NewNotificationService(
	repo repository.NotificationRepository,
	devices repository.DeviceTokenRepository,
	registry presence.Registry,
	dispatcher PushDispatcher,
	redisClient *redis.Client,
	channelBase string,
	natsConn *nats.Conn,
	validate *validator.Validate,
	logger zerolog.Logger,
) NotificationService {
	stream := ""
	subject := ""
	if channelBase != "" {
		stream = channelBase + ":notifications"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".notifications"
	}

	return &notificationService{
		repo:        repo,
		devices:     devices,
		presence:    registry,
		dispatcher:  dispatcher,
		redis:       redisClient,
		redisStream: stream,
		nats:        natsConn,
		natsSubject: subject,
		validator:   validate,
		logger:      logger.With().Str("component", "notification_service").Logger(),
		tracer:      otel.Tracer("github.com/csi-connect/chatter-api/internal/service/notification"),
		sanitizer:   bluemonday.StrictPolicy(),
		broker: &notificationBroker{
			subscribers: make(map[uint]map[chan dto.NotificationResponse]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

func (s *notificationService) Start(ctx context.Context) {
	if s.redis != nil && s.redisStream != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

// Publish persists the notification first, then attempts live delivery and,
// when the target is absent from the presence registry, a push dispatch.
// Neither delivery path can fail the publish once the row is stored.
func (s *notificationService) Publish(ctx context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.NotificationResponse{}, err
	}

	cleanMessage := strings.TrimSpace(s.sanitizer.Sanitize(payload.Message))
	if cleanMessage == "" {
		return dto.NotificationResponse{}, errors.New("notification message empty after sanitization")
	}

	attrs := []attribute.KeyValue{
		attribute.Int("notification.user_id", int(payload.UserID)),
		attribute.String("notification.event_type", payload.EventType),
	}

	spanCtx, span := s.tracer.Start(ctx, "notifications.publish", trace.WithAttributes(attrs...))
	defer span.End()

	model := models.Notification{
		UserID:    payload.UserID,
		EventType: payload.EventType,
		Message:   cleanMessage,
		URL:       payload.URL,
	}

	if err := s.repo.Create(spanCtx, &model); err != nil {
		span.RecordError(err)
		return dto.NotificationResponse{}, err
	}

	response := dto.NewNotificationResponse(model)
	s.broadcast(response)
	if err := s.publish(spanCtx, response); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish notification to broker")
	}

	online, err := s.presence.IsOnline(spanCtx, payload.UserID)
	if err != nil {
		s.logger.Warn().Err(err).Uint("user_id", payload.UserID).Msg("presence lookup failed, assuming offline")
	}
	if !online {
		title := payload.Title
		if title == "" {
			title = "New notification"
		}
		s.Push(spanCtx, payload.UserID, title, cleanMessage, payload.URL, payload.Data)
	}

	observability.NotificationsPublished().WithLabelValues(response.EventType).Inc()

	return response, nil
}

// Push hands the payload to the push collaborator. Missing tokens and
// dispatch errors are logged and swallowed.
func (s *notificationService) Push(ctx context.Context, userID uint, title, body, link string, data map[string]string) {
	if s.dispatcher == nil {
		return
	}

	tokens, err := s.devices.ListByUser(ctx, userID)
	if err != nil {
		observability.PushDispatches().WithLabelValues("error").Inc()
		s.logger.Warn().Err(err).Uint("user_id", userID).Msg("failed to load device tokens")
		return
	}
	if len(tokens) == 0 {
		observability.PushDispatches().WithLabelValues("skipped").Inc()
		s.logger.Debug().Uint("user_id", userID).Msg("no device tokens, skipping push")
		return
	}

	result, err := s.dispatcher.Dispatch(ctx, push.Message{
		Tokens: tokens,
		Title:  title,
		Body:   body,
		Link:   link,
		Data:   data,
	})
	if err != nil {
		observability.PushDispatches().WithLabelValues("error").Inc()
		s.logger.Warn().Err(err).Uint("user_id", userID).Msg("push dispatch failed")
		return
	}

	observability.PushDispatches().WithLabelValues("ok").Inc()
	s.logger.Debug().
		Uint("user_id", userID).
		Int("successes", result.Successes).
		Int("failures", result.Failures).
		Msg("push dispatched")
}

func (s *notificationService) List(ctx context.Context, userID uint, limit, offset int) ([]dto.NotificationResponse, error) {
	if userID == 0 {
		return nil, errors.New("user id is required")
	}

	notifications, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	return dto.NewNotificationResponseSlice(notifications), nil
}

func (s *notificationService) MarkManyRead(ctx context.Context, userID uint, ids []uint) (int64, error) {
	spanCtx, span := s.tracer.Start(ctx, "notifications.mark_read",
		trace.WithAttributes(attribute.Int("notification.user_id", int(userID))))
	defer span.End()

	updated, err := s.repo.MarkManyRead(spanCtx, userID, ids)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return updated, nil
}

func (s *notificationService) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	return s.repo.UnreadCount(ctx, userID)
}

func (s *notificationService) RegisterDevice(ctx context.Context, userID uint, payload dto.DeviceTokenRequest) (dto.DeviceTokenResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.DeviceTokenResponse{}, err
	}

	deviceType := payload.DeviceType
	if deviceType == "" {
		deviceType = models.DeviceAndroid
	}

	token := models.DeviceToken{
		UserID:     userID,
		Token:      payload.DeviceToken,
		DeviceType: deviceType,
	}
	if err := s.devices.Upsert(ctx, &token); err != nil {
		return dto.DeviceTokenResponse{}, err
	}

	return dto.DeviceTokenResponse{DeviceToken: token.Token, DeviceType: token.DeviceType}, nil
}

func (s *notificationService) Subscribe(userID uint) (<-chan dto.NotificationResponse, func()) {
	channel := make(chan dto.NotificationResponse, notificationBufferSize)

	s.broker.subscribe(userID, channel)
	observability.NotificationStreamClients().Inc()

	cleanup := func() {
		s.broker.unsubscribe(userID, channel)
		observability.NotificationStreamClients().Dec()
	}

	return channel, cleanup
}

func (s *notificationService) broadcast(notification dto.NotificationResponse) {
	s.broker.broadcast(notification.UserID, notification)
}

func (s *notificationService) publish(ctx context.Context, notification dto.NotificationResponse) error {
	event := notificationEvent{
		Source:       s.nodeID,
		Notification: notification,
		SentAt:       time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisStream != "" {
		if err := s.redis.Publish(ctx, s.redisStream, payload).Err(); err != nil {
			return err
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (s *notificationService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisStream)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("notification redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *notificationService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.QueueSubscribe(s.natsSubject, "chatter-notifications", func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats notifications subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain notification nats subscription")
		}
	}()
}

// handleEvent delivers notifications produced on other nodes to local stream
// subscribers. Push dispatch stays with the origin node.
func (s *notificationService) handleEvent(payload []byte) {
	var event notificationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid notification event payload")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	s.broadcast(event.Notification)
}

func (b *notificationBroker) subscribe(userID uint, ch chan dto.NotificationResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[userID]; !exists {
		b.subscribers[userID] = make(map[chan dto.NotificationResponse]struct{})
	}
	b.subscribers[userID][ch] = struct{}{}
}

func (b *notificationBroker) unsubscribe(userID uint, ch chan dto.NotificationResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[userID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, userID)
		}
	}
}

func (b *notificationBroker) broadcast(userID uint, notification dto.NotificationResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers := b.subscribers[userID]
	for ch := range subscribers {
		select {
		case ch <- notification:
		default:
		}
	}
}
