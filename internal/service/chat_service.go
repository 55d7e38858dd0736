package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/csi-connect/chatter-api/internal/dto"
	"github.com/csi-connect/chatter-api/internal/models"
	"github.com/csi-connect/chatter-api/internal/observability"
	"github.com/csi-connect/chatter-api/internal/presence"
	"github.com/csi-connect/chatter-api/internal/repository"
)

const (
	clientBufferSize  = 32
	fanoutBufferSize  = 256
	fanoutWorkers     = 4
	fanoutTimeout     = 10 * time.Second
	pingInterval      = 30 * time.Second
	lastMessageTTL    = 24 * time.Hour
	pushPreviewLength = 120
)

// ErrNotRoomMember is returned by the REST surface when the caller does not
// belong to the requested room.
var ErrNotRoomMember = errors.New("user is not a member of the room")

// ChatConnection is the subset of the websocket connection the gateway uses.
type ChatConnection interface {
	ReadMessage() (messageType int, payload []byte, err error)
	WriteJSON(value interface{}) error
	WriteMessage(messageType int, payload []byte) error
	Close() error
}

// NotificationPublisher is the slice of the notification service the gateway
// fans out through. Both paths are best effort from the gateway's view.
type NotificationPublisher interface {
	Publish(ctx context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error)
	Push(ctx context.Context, userID uint, title, body, link string, data map[string]string)
}

// AssetResolver turns stored attachment references into delivery URLs.
type AssetResolver interface {
	ResolveURL(ref string) string
}

// ChatConnectionOptions carries the identity established during the upgrade.
type ChatConnectionOptions struct {
	UserID        uint
	Role          string
	RoomID        uint
	CorrelationID string
	Context       context.Context
}

// ChatService is the realtime gateway: it owns websocket sessions, dispatches
// inbound actions against storage and broadcasts the results to every session
// subscribed to the room, across nodes.
type ChatService interface {
	ServeConnection(conn ChatConnection, opts ChatConnectionOptions)
	Rooms(ctx context.Context, userID uint) ([]dto.RoomSummary, error)
	History(ctx context.Context, userID uint, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error)
	Pinned(ctx context.Context, userID, roomID uint) ([]dto.ChatMessageResponse, error)
	MarkRoomRead(ctx context.Context, userID, roomID uint) (dto.MarkRoomReadResponse, error)
	Start(ctx context.Context)
}

type chatService struct {
	rooms       repository.RoomRepository
	messages    repository.MessageRepository
	users       repository.UserRepository
	reads       repository.ReadStatusRepository
	presence    presence.Registry
	notifier    NotificationPublisher
	assets      AssetResolver
	redis       *redis.Client
	redisStream string
	cachePrefix string
	nats        *nats.Conn
	natsSubject string
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
	sanitizer   *bluemonday.Policy
	hub         *chatHub
	nodeID      string
	fanout      chan func()
}

// chatBusEvent is the cross-node envelope. Source suppression keeps a node
// from re-broadcasting its own events.
type chatBusEvent struct {
	Source string        `json:"source"`
	RoomID uint          `json:"room_id"`
	Event  dto.ChatEvent `json:"event"`
	SentAt time.Time     `json:"sent_at"`
}

type chatHub struct {
	mu    sync.RWMutex
	rooms map[uint]map[*chatClient]struct{}
}

type chatClient struct {
	conn      ChatConnection
	userID    uint
	role      string
	roomID    uint
	roomName  string
	send      chan interface{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewChatService constructs the realtime chat gateway.
func NewChatService(
	rooms repository.RoomRepository,
	messages repository.MessageRepository,
	users repository.UserRepository,
	reads repository.ReadStatusRepository,
	registry presence.Registry,
	notifier NotificationPublisher,
	assets AssetResolver,
	redisClient *redis.Client,
	channelBase string,
	natsConn *nats.Conn,
	validate *validator.Validate,
	logger zerolog.Logger,
) ChatService {
	stream := ""
	subject := ""
	if channelBase != "" {
		stream = channelBase + ":chat"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".chat"
	}

	return &chatService{
		rooms:       rooms,
		messages:    messages,
		users:       users,
		reads:       reads,
		presence:    registry,
		notifier:    notifier,
		assets:      assets,
		redis:       redisClient,
		redisStream: stream,
		cachePrefix: channelBase,
		nats:        natsConn,
		natsSubject: subject,
		validator:   validate,
		logger:      logger.With().Str("component", "chat_service").Logger(),
		tracer:      otel.Tracer("github.com/csi-connect/chatter-api/internal/service/chat"),
		sanitizer:   bluemonday.UGCPolicy(),
		hub:         &chatHub{rooms: make(map[uint]map[*chatClient]struct{})},
		nodeID:      uuid.NewString(),
		fanout:      make(chan func(), fanoutBufferSize),
	}
}

func (s *chatService) Start(ctx context.Context) {
	for i := 0; i < fanoutWorkers; i++ {
		go s.fanoutWorker(ctx)
	}
	if s.redis != nil && s.redisStream != "" {
		go s.consumeChatRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeChatNATS(ctx)
	}
}

// ServeConnection runs a websocket session to completion. It blocks until the
// peer disconnects or the connection dies; the caller owns the goroutine.
func (s *chatService) ServeConnection(conn ChatConnection, opts ChatConnectionOptions) {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}

	logger := s.logger.With().
		Uint("user_id", opts.UserID).
		Uint("room_id", opts.RoomID).
		Str("correlation_id", opts.CorrelationID).
		Logger()

	if opts.UserID == 0 {
		_ = conn.WriteJSON(dto.ChatErrorReply{Error: "authentication required"})
		_ = conn.Close()
		return
	}

	room, err := s.rooms.FindByID(ctx, opts.RoomID)
	if err != nil {
		_ = conn.WriteJSON(dto.ChatErrorReply{Error: "room not found"})
		_ = conn.Close()
		return
	}

	member, err := s.rooms.IsMember(ctx, room.ID, opts.UserID)
	if err != nil {
		logger.Error().Err(err).Msg("membership lookup failed")
		_ = conn.WriteJSON(dto.ChatErrorReply{Error: "failed to verify room membership"})
		_ = conn.Close()
		return
	}
	if !member {
		_ = conn.WriteJSON(dto.ChatErrorReply{Error: "you are not a member of this room"})
		_ = conn.Close()
		return
	}

	client := &chatClient{
		conn:     conn,
		userID:   opts.UserID,
		role:     opts.Role,
		roomID:   room.ID,
		roomName: room.Name,
		send:     make(chan interface{}, clientBufferSize),
		done:     make(chan struct{}),
	}

	s.hub.register(client)
	observability.ChatConnectionsActive().Inc()
	if err := s.presence.Connect(ctx, client.userID); err != nil {
		logger.Warn().Err(err).Msg("failed to register presence")
	}

	logger.Info().Msg("chat connection opened")

	go s.writeLoop(ctx, client, logger)
	s.replayLastMessage(ctx, client)
	s.readLoop(ctx, client, logger)

	s.hub.unregister(client)
	observability.ChatConnectionsActive().Dec()
	if err := s.presence.Disconnect(context.Background(), client.userID); err != nil {
		logger.Warn().Err(err).Msg("failed to clear presence")
	}
	client.close()
	_ = conn.Close()

	logger.Info().Msg("chat connection closed")
}

// readLoop turns inbound frames into actions. A malformed payload answers the
// sender and keeps the connection open; only a transport error ends the
// session.
func (s *chatService) readLoop(ctx context.Context, client *chatClient, logger zerolog.Logger) {
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("chat connection read ended")
			return
		}

		var request dto.ChatActionRequest
		if err := json.Unmarshal(payload, &request); err != nil {
			client.enqueue(dto.ChatErrorReply{Error: "Invalid JSON format"})
			continue
		}

		if err := s.validator.Struct(request); err != nil {
			s.reject(client, dto.ChatAction(request.Action), "Invalid action payload")
			continue
		}

		action, ok := dto.ParseChatAction(request.Action)
		if !ok {
			s.reject(client, dto.ChatAction(request.Action), "Unknown action")
			continue
		}

		s.dispatch(ctx, client, action, request)
	}
}

func (s *chatService) writeLoop(ctx context.Context, client *chatClient, logger zerolog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-client.send:
			if err := client.conn.WriteJSON(payload); err != nil {
				logger.Debug().Err(err).Msg("chat connection write failed")
				_ = client.conn.Close()
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = client.conn.Close()
				return
			}
			if err := s.presence.Heartbeat(ctx, client.userID); err != nil {
				logger.Warn().Err(err).Msg("presence heartbeat failed")
			}
		case <-client.done:
			return
		}
	}
}

func (s *chatService) dispatch(ctx context.Context, client *chatClient, action dto.ChatAction, request dto.ChatActionRequest) {
	switch action {
	case dto.ActionSendMessage:
		s.handleSend(ctx, client, request)
	case dto.ActionEditMessage:
		s.handleEdit(ctx, client, request)
	case dto.ActionDeleteMessage:
		s.handleDelete(ctx, client, request)
	case dto.ActionReactMessage:
		s.handleReact(ctx, client, request)
	case dto.ActionPinMessage:
		s.handlePin(ctx, client, request)
	case dto.ActionUnpinMessage:
		s.handleUnpin(ctx, client, request)
	case dto.ActionTyping, dto.ActionStopTyping:
		s.handleTyping(client, action)
	case dto.ActionMarkRead:
		s.handleMarkRead(ctx, client)
	}
}

func (s *chatService) handleSend(ctx context.Context, client *chatClient, request dto.ChatActionRequest) {
	spanCtx, span := s.tracer.Start(ctx, "chat.send_message", trace.WithAttributes(
		attribute.Int("chat.room_id", int(client.roomID)),
		attribute.Int("chat.sender_id", int(client.userID)),
	))
	defer span.End()

	content := strings.TrimSpace(s.sanitizer.Sanitize(request.Message))
	attachment := strings.TrimSpace(request.Attachment)
	if content == "" && attachment == "" {
		s.reject(client, dto.ActionSendMessage, "Message content required")
		return
	}

	messageType := request.Type
	if messageType == "" {
		messageType = models.MessageTypeText
	}

	mentions := lo.Uniq(lo.Filter(request.Mentions, func(id uint, _ int) bool {
		return id != 0 && id != client.userID
	}))
	if len(mentions) > 0 {
		members, err := s.rooms.MemberIDs(spanCtx, client.roomID)
		if err != nil {
			s.logger.Warn().Err(err).Uint("room_id", client.roomID).Msg("failed to load members for mention filter")
			mentions = nil
		} else {
			mentions = lo.Filter(mentions, func(id uint, _ int) bool {
				return lo.Contains(members, id)
			})
		}
	}

	message := models.Message{
		RoomID:     client.roomID,
		SenderID:   client.userID,
		Type:       messageType,
		Attachment: attachment,
		ParentID:   request.ParentID,
	}
	if content != "" {
		message.Content = &content
	}

	if err := s.messages.Create(spanCtx, &message, mentions); err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, repository.ErrSenderNotMember):
			s.reject(client, dto.ActionSendMessage, "You are not a member of this room")
		case errors.Is(err, repository.ErrParentNotFound):
			s.reject(client, dto.ActionSendMessage, "Parent message not found")
		default:
			s.logger.Error().Err(err).Uint("room_id", client.roomID).Msg("failed to store message")
			s.reject(client, dto.ActionSendMessage, "Failed to send message")
		}
		return
	}

	event := dto.ChatEvent{
		Type:       dto.EventChatMessage,
		ID:         message.ID,
		RoomID:     message.RoomID,
		SenderID:   client.userID,
		Sender:     s.senderSnapshot(spanCtx, client.userID, client.role),
		Message:    content,
		MsgType:    messageType,
		Attachment: s.resolveAsset(attachment),
		CreatedAt:  &message.CreatedAt,
	}
	if message.ParentID != nil {
		event.Parent = s.parentPreview(spanCtx, client.roomID, *message.ParentID)
	}

	s.deliver(spanCtx, event, false)
	s.cacheLastMessage(spanCtx, event)
	observability.ChatMessages().WithLabelValues(string(dto.EventChatMessage)).Inc()

	s.enqueueFanout(event, client.roomName, mentions)
}

func (s *chatService) handleEdit(ctx context.Context, client *chatClient, request dto.ChatActionRequest) {
	content := strings.TrimSpace(s.sanitizer.Sanitize(request.NewContent))
	if request.MessageID == 0 || content == "" {
		s.reject(client, dto.ActionEditMessage, "Message id and new content required")
		return
	}

	message, err := s.messages.FindByID(ctx, request.MessageID)
	if err != nil || message.RoomID != client.roomID {
		s.reject(client, dto.ActionEditMessage, "Message not found")
		return
	}
	if message.SenderID != client.userID {
		s.reject(client, dto.ActionEditMessage, "You can only edit your own messages")
		return
	}

	if _, err := s.messages.UpdateContent(ctx, message.ID, content); err != nil {
		if errors.Is(err, repository.ErrMessageDeleted) {
			s.reject(client, dto.ActionEditMessage, "Cannot edit a deleted message")
			return
		}
		s.logger.Error().Err(err).Uint("message_id", message.ID).Msg("failed to edit message")
		s.reject(client, dto.ActionEditMessage, "Failed to edit message")
		return
	}

	s.deliver(ctx, dto.ChatEvent{
		Type:       dto.EventEdited,
		ID:         message.ID,
		RoomID:     client.roomID,
		SenderID:   client.userID,
		NewContent: content,
	}, false)
	observability.ChatMessages().WithLabelValues(string(dto.EventEdited)).Inc()
}

// handleDelete is idempotent: deleting an already-deleted message re-announces
// the same terminal state instead of failing.
func (s *chatService) handleDelete(ctx context.Context, client *chatClient, request dto.ChatActionRequest) {
	if request.MessageID == 0 {
		s.reject(client, dto.ActionDeleteMessage, "Message id required")
		return
	}

	message, err := s.messages.FindByID(ctx, request.MessageID)
	if err != nil || message.RoomID != client.roomID {
		s.reject(client, dto.ActionDeleteMessage, "Message not found")
		return
	}
	if message.SenderID != client.userID {
		s.reject(client, dto.ActionDeleteMessage, "You can only delete your own messages")
		return
	}

	if err := s.messages.SoftDelete(ctx, message.ID); err != nil {
		s.logger.Error().Err(err).Uint("message_id", message.ID).Msg("failed to delete message")
		s.reject(client, dto.ActionDeleteMessage, "Failed to delete message")
		return
	}

	s.deliver(ctx, dto.ChatEvent{
		Type:     dto.EventDeleted,
		ID:       message.ID,
		RoomID:   client.roomID,
		SenderID: client.userID,
	}, false)
	observability.ChatMessages().WithLabelValues(string(dto.EventDeleted)).Inc()
}

func (s *chatService) handleReact(ctx context.Context, client *chatClient, request dto.ChatActionRequest) {
	label := strings.TrimSpace(request.Reaction)
	if request.MessageID == 0 || label == "" {
		s.reject(client, dto.ActionReactMessage, "Message id and reaction required")
		return
	}

	message, err := s.messages.FindByID(ctx, request.MessageID)
	if err != nil || message.RoomID != client.roomID {
		s.reject(client, dto.ActionReactMessage, "Message not found")
		return
	}

	updated, err := s.messages.IncrementReaction(ctx, message.ID, label)
	if err != nil {
		if errors.Is(err, repository.ErrMessageDeleted) {
			s.reject(client, dto.ActionReactMessage, "Cannot react to a deleted message")
			return
		}
		s.logger.Error().Err(err).Uint("message_id", message.ID).Msg("failed to record reaction")
		s.reject(client, dto.ActionReactMessage, "Failed to record reaction")
		return
	}

	s.deliver(ctx, dto.ChatEvent{
		Type:      dto.EventReacted,
		ID:        message.ID,
		RoomID:    client.roomID,
		SenderID:  client.userID,
		Reactions: dto.ReactionCounts(updated.Reactions),
	}, false)
	observability.ChatMessages().WithLabelValues(string(dto.EventReacted)).Inc()
}

func (s *chatService) handlePin(ctx context.Context, client *chatClient, request dto.ChatActionRequest) {
	if request.MessageID == 0 {
		s.reject(client, dto.ActionPinMessage, "Message id required")
		return
	}

	message, err := s.messages.FindByID(ctx, request.MessageID)
	if err != nil || message.RoomID != client.roomID {
		s.reject(client, dto.ActionPinMessage, "Message not found")
		return
	}

	updated, err := s.messages.Pin(ctx, message.ID)
	if err != nil {
		if errors.Is(err, repository.ErrPinLimitReached) {
			observability.PinRejections().Inc()
			s.reject(client, dto.ActionPinMessage, fmt.Sprintf("Room already has %d pinned messages", models.MaxPinnedPerRoom))
			return
		}
		s.logger.Error().Err(err).Uint("message_id", message.ID).Msg("failed to pin message")
		s.reject(client, dto.ActionPinMessage, "Failed to pin message")
		return
	}

	pinned := true
	s.deliver(ctx, dto.ChatEvent{
		Type:     dto.EventMessagePinned,
		ID:       updated.ID,
		RoomID:   client.roomID,
		SenderID: client.userID,
		IsPinned: &pinned,
		PinnedAt: updated.PinnedAt,
	}, false)
	observability.ChatMessages().WithLabelValues(string(dto.EventMessagePinned)).Inc()
}

func (s *chatService) handleUnpin(ctx context.Context, client *chatClient, request dto.ChatActionRequest) {
	if request.MessageID == 0 {
		s.reject(client, dto.ActionUnpinMessage, "Message id required")
		return
	}

	message, err := s.messages.FindByID(ctx, request.MessageID)
	if err != nil || message.RoomID != client.roomID {
		s.reject(client, dto.ActionUnpinMessage, "Message not found")
		return
	}

	updated, err := s.messages.Unpin(ctx, message.ID)
	if err != nil {
		s.logger.Error().Err(err).Uint("message_id", message.ID).Msg("failed to unpin message")
		s.reject(client, dto.ActionUnpinMessage, "Failed to unpin message")
		return
	}

	pinned := false
	s.deliver(ctx, dto.ChatEvent{
		Type:     dto.EventMessagePinned,
		ID:       updated.ID,
		RoomID:   client.roomID,
		SenderID: client.userID,
		IsPinned: &pinned,
	}, false)
	observability.ChatMessages().WithLabelValues(string(dto.EventMessagePinned)).Inc()
}

// handleTyping broadcasts a transient indicator. Nothing is stored or cached,
// and the originator never hears their own typing back.
func (s *chatService) handleTyping(client *chatClient, action dto.ChatAction) {
	typing := action == dto.ActionTyping
	s.deliver(context.Background(), dto.ChatEvent{
		Type:     dto.EventTyping,
		RoomID:   client.roomID,
		SenderID: client.userID,
		IsTyping: &typing,
	}, true)
	observability.ChatMessages().WithLabelValues(string(dto.EventTyping)).Inc()
}

func (s *chatService) handleMarkRead(ctx context.Context, client *chatClient) {
	if _, err := s.reads.MarkRead(ctx, client.userID, client.roomID, time.Now().UTC()); err != nil {
		s.logger.Error().Err(err).Uint("room_id", client.roomID).Msg("failed to mark room read")
		s.reject(client, dto.ActionMarkRead, "Failed to mark room as read")
	}
}

// Rooms lists the caller's rooms with per-room unread counts.
func (s *chatService) Rooms(ctx context.Context, userID uint) ([]dto.RoomSummary, error) {
	rooms, err := s.rooms.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]dto.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		unread, err := s.reads.UnreadCount(ctx, userID, room.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, dto.RoomSummary{
			ID:          room.ID,
			Name:        room.Name,
			Description: room.Description,
			Avatar:      s.resolveAsset(room.Avatar),
			UnreadCount: unread,
		})
	}
	return summaries, nil
}

// History returns room messages in chronological order. Deleted rows are
// included as tombstones so clients can render thread context.
func (s *chatService) History(ctx context.Context, userID uint, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}
	if err := s.requireMembership(ctx, query.RoomID, userID); err != nil {
		return nil, err
	}

	before := time.Time{}
	if query.Before != nil {
		before = *query.Before
	}

	messages, err := s.messages.ListByRoom(ctx, query.RoomID, before, query.Limit)
	if err != nil {
		return nil, err
	}

	return s.toResponses(messages), nil
}

func (s *chatService) Pinned(ctx context.Context, userID, roomID uint) ([]dto.ChatMessageResponse, error) {
	if err := s.requireMembership(ctx, roomID, userID); err != nil {
		return nil, err
	}

	messages, err := s.messages.ListPinned(ctx, roomID)
	if err != nil {
		return nil, err
	}

	return s.toResponses(messages), nil
}

func (s *chatService) MarkRoomRead(ctx context.Context, userID, roomID uint) (dto.MarkRoomReadResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "chat.mark_room_read", trace.WithAttributes(
		attribute.Int("chat.room_id", int(roomID)),
		attribute.Int("chat.user_id", int(userID)),
	))
	defer span.End()

	if err := s.requireMembership(spanCtx, roomID, userID); err != nil {
		return dto.MarkRoomReadResponse{}, err
	}

	status, err := s.reads.MarkRead(spanCtx, userID, roomID, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		return dto.MarkRoomReadResponse{}, err
	}

	unread, err := s.reads.UnreadCount(spanCtx, userID, roomID)
	if err != nil {
		span.RecordError(err)
		return dto.MarkRoomReadResponse{}, err
	}

	return dto.MarkRoomReadResponse{
		RoomID:      roomID,
		LastRead:    status.LastRead,
		UnreadCount: unread,
	}, nil
}

func (s *chatService) requireMembership(ctx context.Context, roomID, userID uint) error {
	if _, err := s.rooms.FindByID(ctx, roomID); err != nil {
		return err
	}
	member, err := s.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotRoomMember
	}
	return nil
}

func (s *chatService) toResponses(messages []models.Message) []dto.ChatMessageResponse {
	responses := dto.NewChatMessageResponseSlice(messages)
	for i := range responses {
		responses[i].Attachment = s.resolveAsset(responses[i].Attachment)
	}
	return responses
}

// deliver broadcasts locally and publishes to the cross-node bus.
func (s *chatService) deliver(ctx context.Context, event dto.ChatEvent, suppressOrigin bool) {
	s.hub.broadcast(event.RoomID, event, suppressOrigin)

	envelope := chatBusEvent{
		Source: s.nodeID,
		RoomID: event.RoomID,
		Event:  event,
		SentAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode chat event")
		return
	}

	if s.redis != nil && s.redisStream != "" {
		if err := s.redis.Publish(ctx, s.redisStream, payload).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish chat event to redis")
		}
	}
	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish chat event to nats")
		}
	}
}

func (s *chatService) consumeChatRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisStream)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("chat redis subscription closed")
			return
		}
		s.handleBusEvent([]byte(msg.Payload))
	}
}

func (s *chatService) consumeChatNATS(ctx context.Context) {
	sub, err := s.nats.QueueSubscribe(s.natsSubject, "chatter-chat", func(msg *nats.Msg) {
		s.handleBusEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats chat subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain chat nats subscription")
		}
	}()
}

func (s *chatService) handleBusEvent(payload []byte) {
	var envelope chatBusEvent
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.logger.Warn().Err(err).Msg("invalid chat bus payload")
		return
	}
	if envelope.Source == s.nodeID {
		return
	}

	suppressOrigin := envelope.Event.Type == dto.EventTyping
	s.hub.broadcast(envelope.RoomID, envelope.Event, suppressOrigin)
}

func (s *chatService) lastMessageKey(roomID uint) string {
	return fmt.Sprintf("%s:chat:last:%d", s.cachePrefix, roomID)
}

func (s *chatService) cacheLastMessage(ctx context.Context, event dto.ChatEvent) {
	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, s.lastMessageKey(event.RoomID), payload, lastMessageTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache last message")
	}
}

// replayLastMessage primes a fresh session with the room's latest message so
// the client has context before history loads.
func (s *chatService) replayLastMessage(ctx context.Context, client *chatClient) {
	if s.redis == nil {
		return
	}
	payload, err := s.redis.Get(ctx, s.lastMessageKey(client.roomID)).Bytes()
	if err != nil {
		return
	}

	var event dto.ChatEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return
	}
	event.IsSelf = event.SenderID == client.userID
	client.enqueue(event)
}

func (s *chatService) senderSnapshot(ctx context.Context, userID uint, fallbackRole string) *dto.SenderSnapshot {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return &dto.SenderSnapshot{ID: userID, Role: fallbackRole}
	}

	return &dto.SenderSnapshot{
		ID:    user.ID,
		Name:  strings.TrimSpace(user.FirstName + " " + user.LastName),
		Photo: s.resolveAsset(user.Photo),
		Role:  user.Role,
	}
}

func (s *chatService) parentPreview(ctx context.Context, roomID, parentID uint) *dto.ParentPreview {
	parent, err := s.messages.FindByID(ctx, parentID)
	if err != nil || parent.RoomID != roomID {
		return nil
	}

	preview := &dto.ParentPreview{ID: parent.ID, SenderID: parent.SenderID}
	if !parent.IsDeleted && parent.Content != nil {
		preview.Content = *parent.Content
	}
	return preview
}

func (s *chatService) resolveAsset(ref string) string {
	if ref == "" || s.assets == nil {
		return ref
	}
	return s.assets.ResolveURL(ref)
}

func (s *chatService) reject(client *chatClient, action dto.ChatAction, message string) {
	label := string(action)
	if label == "" {
		label = "unknown"
	}
	observability.ChatActionErrors().WithLabelValues(label).Inc()
	client.enqueue(dto.ChatErrorReply{Error: message})
}

// enqueueFanout hands notification work to the worker pool so the read loop
// never waits on push infrastructure. A full queue falls back to a dedicated
// goroutine rather than dropping the job.
func (s *chatService) enqueueFanout(event dto.ChatEvent, roomName string, mentions []uint) {
	if s.notifier == nil {
		return
	}

	job := func() {
		ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
		defer cancel()
		s.fanoutMessage(ctx, event, roomName, mentions)
	}

	select {
	case s.fanout <- job:
	default:
		go job()
	}
}

func (s *chatService) fanoutWorker(ctx context.Context) {
	for {
		select {
		case job := <-s.fanout:
			job()
		case <-ctx.Done():
			return
		}
	}
}

// fanoutMessage notifies mentioned users and pushes to offline members.
// Mentioned users get their push through the notification publish path, so
// the offline sweep skips them to keep a single push per user per message.
func (s *chatService) fanoutMessage(ctx context.Context, event dto.ChatEvent, roomName string, mentions []uint) {
	link := fmt.Sprintf("/chat/rooms/%d", event.RoomID)
	data := map[string]string{
		"room_id":    strconv.FormatUint(uint64(event.RoomID), 10),
		"message_id": strconv.FormatUint(uint64(event.ID), 10),
	}

	senderName := "Someone"
	if event.Sender != nil && event.Sender.Name != "" {
		senderName = event.Sender.Name
	}

	preview := event.Message
	if preview == "" {
		preview = "Sent an attachment"
	}
	if runes := []rune(preview); len(runes) > pushPreviewLength {
		preview = string(runes[:pushPreviewLength])
	}

	for _, userID := range mentions {
		_, err := s.notifier.Publish(ctx, dto.NotificationCreateRequest{
			UserID:    userID,
			EventType: models.NotificationChatMention,
			Message:   fmt.Sprintf("%s mentioned you in %s", senderName, roomName),
			URL:       link,
			Title:     roomName,
			Data:      data,
		})
		if err != nil {
			s.logger.Warn().Err(err).Uint("user_id", userID).Msg("failed to publish mention notification")
		}
	}

	members, err := s.rooms.MemberIDs(ctx, event.RoomID)
	if err != nil {
		s.logger.Warn().Err(err).Uint("room_id", event.RoomID).Msg("failed to load members for push fanout")
		return
	}

	body := fmt.Sprintf("%s: %s", senderName, preview)
	for _, member := range members {
		if member == event.SenderID || lo.Contains(mentions, member) {
			continue
		}
		online, err := s.presence.IsOnline(ctx, member)
		if err != nil {
			s.logger.Warn().Err(err).Uint("user_id", member).Msg("presence lookup failed, assuming offline")
		}
		if online {
			continue
		}
		s.notifier.Push(ctx, member, roomName, body, link, data)
	}
}

func (h *chatHub) register(client *chatClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rooms[client.roomID]; !exists {
		h.rooms[client.roomID] = make(map[*chatClient]struct{})
	}
	h.rooms[client.roomID][client] = struct{}{}
}

func (h *chatHub) unregister(client *chatClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.rooms[client.roomID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, client.roomID)
		}
	}
}

// broadcast fans an event out to every session in the room. IsSelf is stamped
// per recipient; suppressOrigin drops delivery to the acting user entirely.
func (h *chatHub) broadcast(roomID uint, event dto.ChatEvent, suppressOrigin bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[roomID] {
		if suppressOrigin && client.userID == event.SenderID {
			continue
		}
		delivery := event
		delivery.IsSelf = client.userID == event.SenderID
		client.enqueue(delivery)
	}
}

func (c *chatClient) enqueue(payload interface{}) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- payload:
	default:
		// Slow consumer: drop rather than stall the room.
	}
}

func (c *chatClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
