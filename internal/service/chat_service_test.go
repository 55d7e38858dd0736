package service

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/csi-connect/chatter-api/internal/dto"
	"github.com/csi-connect/chatter-api/internal/models"
	"github.com/csi-connect/chatter-api/internal/repository"
)

type stubRoomRepo struct {
	room    models.Room
	members map[uint]bool
}

func (s *stubRoomRepo) FindByID(_ context.Context, id uint) (models.Room, error) {
	if id == s.room.ID && s.room.IsActive {
		return s.room, nil
	}
	return models.Room{}, gorm.ErrRecordNotFound
}

func (s *stubRoomRepo) IsMember(_ context.Context, _, userID uint) (bool, error) {
	return s.members[userID], nil
}

func (s *stubRoomRepo) MemberIDs(_ context.Context, _ uint) ([]uint, error) {
	ids := make([]uint, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *stubRoomRepo) ListForUser(_ context.Context, userID uint) ([]models.Room, error) {
	if s.members[userID] && s.room.IsActive {
		return []models.Room{s.room}, nil
	}
	return nil, nil
}

func (s *stubRoomRepo) Create(_ context.Context, _ *models.Room, _ []uint) error { return nil }
func (s *stubRoomRepo) Delete(_ context.Context, _ uint) error                   { return nil }

type stubMessageRepo struct {
	mu       sync.Mutex
	seq      uint
	messages map[uint]models.Message
	mentions map[uint][]uint
	members  map[uint]bool
}

func newStubMessageRepo(members map[uint]bool) *stubMessageRepo {
	return &stubMessageRepo{
		messages: make(map[uint]models.Message),
		mentions: make(map[uint][]uint),
		members:  members,
	}
}

func (s *stubMessageRepo) Create(_ context.Context, message *models.Message, mentionIDs []uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.members[message.SenderID] {
		return repository.ErrSenderNotMember
	}
	if message.ParentID != nil {
		parent, ok := s.messages[*message.ParentID]
		if !ok || parent.RoomID != message.RoomID {
			return repository.ErrParentNotFound
		}
	}

	s.seq++
	message.ID = s.seq
	message.CreatedAt = time.Now()
	if message.Status == nil {
		message.Status = datatypes.JSONMap{"delivered": true}
	}
	s.messages[message.ID] = *message
	s.mentions[message.ID] = append([]uint(nil), mentionIDs...)
	return nil
}

func (s *stubMessageRepo) FindByID(_ context.Context, id uint) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[id]
	if !ok {
		return models.Message{}, gorm.ErrRecordNotFound
	}
	return message, nil
}

func (s *stubMessageRepo) UpdateContent(_ context.Context, id uint, content string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[id]
	if !ok {
		return models.Message{}, gorm.ErrRecordNotFound
	}
	if message.IsDeleted {
		return models.Message{}, repository.ErrMessageDeleted
	}
	message.Content = &content
	message.IsEdited = true
	s.messages[id] = message
	return message, nil
}

func (s *stubMessageRepo) SoftDelete(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	message.IsDeleted = true
	s.messages[id] = message
	return nil
}

func (s *stubMessageRepo) IncrementReaction(_ context.Context, id uint, label string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[id]
	if !ok {
		return models.Message{}, gorm.ErrRecordNotFound
	}
	if message.IsDeleted {
		return models.Message{}, repository.ErrMessageDeleted
	}
	if message.Reactions == nil {
		message.Reactions = datatypes.JSONMap{}
	}
	current, _ := message.Reactions[label].(int64)
	message.Reactions[label] = current + 1
	s.messages[id] = message
	return message, nil
}

func (s *stubMessageRepo) Pin(_ context.Context, id uint) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[id]
	if !ok {
		return models.Message{}, gorm.ErrRecordNotFound
	}
	if message.IsPinned {
		return message, nil
	}

	pinned := 0
	for _, other := range s.messages {
		if other.RoomID == message.RoomID && other.IsPinned {
			pinned++
		}
	}
	if pinned >= models.MaxPinnedPerRoom {
		return models.Message{}, repository.ErrPinLimitReached
	}

	now := time.Now()
	message.IsPinned = true
	message.PinnedAt = &now
	s.messages[id] = message
	return message, nil
}

func (s *stubMessageRepo) Unpin(_ context.Context, id uint) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[id]
	if !ok {
		return models.Message{}, gorm.ErrRecordNotFound
	}
	message.IsPinned = false
	message.PinnedAt = nil
	s.messages[id] = message
	return message, nil
}

func (s *stubMessageRepo) ListByRoom(_ context.Context, roomID uint, _ time.Time, _ int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Message
	for _, message := range s.messages {
		if message.RoomID == roomID {
			out = append(out, message)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubMessageRepo) ListPinned(_ context.Context, roomID uint) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Message
	for _, message := range s.messages {
		if message.RoomID == roomID && message.IsPinned {
			out = append(out, message)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubMessageRepo) CountPinned(_ context.Context, roomID uint) (int64, error) {
	pinned, _ := s.ListPinned(context.Background(), roomID)
	return int64(len(pinned)), nil
}

func (s *stubMessageRepo) MentionIDs(_ context.Context, messageID uint) ([]uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint(nil), s.mentions[messageID]...), nil
}

type stubUserRepo struct {
	users map[uint]models.User
}

func (s *stubUserRepo) FindByID(_ context.Context, id uint) (models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return models.User{}, gorm.ErrRecordNotFound
	}
	return user, nil
}

type stubReadRepo struct {
	mu     sync.Mutex
	marked map[uint]time.Time
	unread int64
}

func (s *stubReadRepo) MarkRead(_ context.Context, userID, roomID uint, at time.Time) (models.UserRoomStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marked == nil {
		s.marked = make(map[uint]time.Time)
	}
	s.marked[userID] = at
	return models.UserRoomStatus{UserID: userID, RoomID: roomID, LastRead: at}, nil
}

func (s *stubReadRepo) Get(_ context.Context, userID, roomID uint) (models.UserRoomStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.marked[userID]
	if !ok {
		return models.UserRoomStatus{}, gorm.ErrRecordNotFound
	}
	return models.UserRoomStatus{UserID: userID, RoomID: roomID, LastRead: at}, nil
}

func (s *stubReadRepo) UnreadCount(_ context.Context, _, _ uint) (int64, error) {
	return s.unread, nil
}

type stubPresence struct {
	mu     sync.Mutex
	online map[uint]bool
}

func (s *stubPresence) Connect(_ context.Context, userID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == nil {
		s.online = make(map[uint]bool)
	}
	s.online[userID] = true
	return nil
}

func (s *stubPresence) Disconnect(_ context.Context, userID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, userID)
	return nil
}

func (s *stubPresence) Heartbeat(_ context.Context, _ uint) error { return nil }

func (s *stubPresence) IsOnline(_ context.Context, userID uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID], nil
}

func (s *stubPresence) Online(_ context.Context) ([]uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uint
	for id := range s.online {
		ids = append(ids, id)
	}
	return ids, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	published []dto.NotificationCreateRequest
	pushed    []uint
}

func (r *recordingNotifier) Publish(_ context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, payload)
	return dto.NotificationResponse{UserID: payload.UserID, EventType: payload.EventType, Message: payload.Message}, nil
}

func (r *recordingNotifier) Push(_ context.Context, userID uint, _, _, _ string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = append(r.pushed, userID)
}

func (r *recordingNotifier) publishedTargets() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uint
	for _, payload := range r.published {
		ids = append(ids, payload.UserID)
	}
	return ids
}

func (r *recordingNotifier) pushedTargets() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.pushed...)
}

type fakeConn struct {
	mu        sync.Mutex
	frames    chan []byte
	quit      chan struct{}
	closeOnce sync.Once
	writes    []interface{}
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		quit:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame, ok := <-c.frames:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, frame, nil
	case <-c.quit:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteJSON(value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	c.writes = append(c.writes, value)
	return nil
}

func (c *fakeConn) WriteMessage(_ int, _ []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.quit)
	})
	return nil
}

func (c *fakeConn) snapshot() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.writes...)
}

func (c *fakeConn) errorReplies() []dto.ChatErrorReply {
	var out []dto.ChatErrorReply
	for _, write := range c.snapshot() {
		if reply, ok := write.(dto.ChatErrorReply); ok {
			out = append(out, reply)
		}
	}
	return out
}

func (c *fakeConn) events() []dto.ChatEvent {
	var out []dto.ChatEvent
	for _, write := range c.snapshot() {
		if event, ok := write.(dto.ChatEvent); ok {
			out = append(out, event)
		}
	}
	return out
}

type chatFixture struct {
	service  *chatService
	rooms    *stubRoomRepo
	messages *stubMessageRepo
	reads    *stubReadRepo
	presence *stubPresence
	notifier *recordingNotifier
}

func newChatFixture(members map[uint]bool) *chatFixture {
	rooms := &stubRoomRepo{
		room:    models.Room{ID: 1, Name: "general", IsActive: true},
		members: members,
	}
	messages := newStubMessageRepo(members)
	users := &stubUserRepo{users: map[uint]models.User{
		1: {ID: 1, FirstName: "Ana", LastName: "Silva", Role: "member"},
		2: {ID: 2, FirstName: "Ben", LastName: "Okoro", Role: "member"},
		3: {ID: 3, FirstName: "Cleo", LastName: "Marsh", Role: "moderator"},
		4: {ID: 4, FirstName: "Dian", LastName: "Putri", Role: "member"},
	}}
	reads := &stubReadRepo{}
	registry := &stubPresence{}
	notifier := &recordingNotifier{}

	svc := NewChatService(
		rooms, messages, users, reads, registry, notifier, nil,
		nil, "", nil, validator.New(), zerolog.New(io.Discard),
	).(*chatService)

	return &chatFixture{
		service:  svc,
		rooms:    rooms,
		messages: messages,
		reads:    reads,
		presence: registry,
		notifier: notifier,
	}
}

func (f *chatFixture) addClient(userID uint) *chatClient {
	client := &chatClient{
		userID:   userID,
		roomID:   1,
		roomName: "general",
		send:     make(chan interface{}, clientBufferSize),
		done:     make(chan struct{}),
	}
	f.service.hub.register(client)
	return client
}

func drainEvents(client *chatClient) []dto.ChatEvent {
	var out []dto.ChatEvent
	for {
		select {
		case payload := <-client.send:
			if event, ok := payload.(dto.ChatEvent); ok {
				out = append(out, event)
			}
		default:
			return out
		}
	}
}

func drainErrors(client *chatClient) []dto.ChatErrorReply {
	var out []dto.ChatErrorReply
	for {
		select {
		case payload := <-client.send:
			if reply, ok := payload.(dto.ChatErrorReply); ok {
				out = append(out, reply)
			}
		default:
			return out
		}
	}
}

func serve(f *chatFixture, conn *fakeConn, userID uint) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.service.ServeConnection(conn, ChatConnectionOptions{UserID: userID, Role: "member", RoomID: 1})
	}()
	return done
}

func TestServeConnectionRejectsAnonymous(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true})
	conn := newFakeConn()

	f.service.ServeConnection(conn, ChatConnectionOptions{UserID: 0, RoomID: 1})

	replies := conn.errorReplies()
	require.Len(t, replies, 1)
	require.Equal(t, "authentication required", replies[0].Error)
}

func TestServeConnectionRejectsUnknownRoom(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true})
	conn := newFakeConn()

	f.service.ServeConnection(conn, ChatConnectionOptions{UserID: 1, RoomID: 42})

	replies := conn.errorReplies()
	require.Len(t, replies, 1)
	require.Equal(t, "room not found", replies[0].Error)
}

func TestServeConnectionRejectsNonMember(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true})
	conn := newFakeConn()

	f.service.ServeConnection(conn, ChatConnectionOptions{UserID: 9, RoomID: 1})

	replies := conn.errorReplies()
	require.Len(t, replies, 1)
	require.Equal(t, "you are not a member of this room", replies[0].Error)
}

func TestMalformedJSONKeepsConnectionOpen(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true})
	conn := newFakeConn()
	done := serve(f, conn, 1)

	conn.frames <- []byte("{not json")
	require.Eventually(t, func() bool {
		return len(conn.errorReplies()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "Invalid JSON format", conn.errorReplies()[0].Error)

	// The session survives and still processes actions.
	conn.frames <- []byte(`{"action":"bogus_action"}`)
	require.Eventually(t, func() bool {
		return len(conn.errorReplies()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "Unknown action", conn.errorReplies()[1].Error)

	close(conn.frames)
	<-done
}

func TestSendMessageBroadcastsWithSelfFlag(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true, 2: true})
	sender := newFakeConn()
	receiver := newFakeConn()
	senderDone := serve(f, sender, 1)
	receiverDone := serve(f, receiver, 2)

	require.Eventually(t, func() bool {
		online, _ := f.presence.IsOnline(context.Background(), 2)
		return online
	}, time.Second, 5*time.Millisecond)

	frame, err := json.Marshal(dto.ChatActionRequest{Action: "send_message", Message: "hello room"})
	require.NoError(t, err)
	sender.frames <- frame

	require.Eventually(t, func() bool {
		return len(sender.events()) == 1 && len(receiver.events()) == 1
	}, time.Second, 5*time.Millisecond)

	own := sender.events()[0]
	require.Equal(t, dto.EventChatMessage, own.Type)
	require.True(t, own.IsSelf)
	require.Equal(t, "hello room", own.Message)
	require.NotNil(t, own.Sender)
	require.Equal(t, "Ana Silva", own.Sender.Name)

	theirs := receiver.events()[0]
	require.False(t, theirs.IsSelf)
	require.Equal(t, own.ID, theirs.ID)

	close(sender.frames)
	close(receiver.frames)
	<-senderDone
	<-receiverDone
}

func TestSendMessageDropsNonMemberMentions(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true, 2: true})
	sender := f.addClient(1)

	f.service.handleSend(context.Background(), sender, dto.ChatActionRequest{
		Action:   "send_message",
		Message:  "hey @2 @99",
		Mentions: []uint{2, 99, 1},
	})

	events := drainEvents(sender)
	require.Len(t, events, 1)

	// Self-mentions and users outside the room never reach storage, so the
	// notification fanout cannot target them either.
	stored, err := f.messages.MentionIDs(context.Background(), events[0].ID)
	require.NoError(t, err)
	require.Equal(t, []uint{2}, stored)
}

func TestTypingIsNotEchoedToOriginator(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true, 2: true})
	typist := f.addClient(1)
	watcher := f.addClient(2)

	f.service.handleTyping(typist, dto.ActionTyping)

	watcherEvents := drainEvents(watcher)
	require.Len(t, watcherEvents, 1)
	require.Equal(t, dto.EventTyping, watcherEvents[0].Type)
	require.NotNil(t, watcherEvents[0].IsTyping)
	require.True(t, *watcherEvents[0].IsTyping)

	require.Empty(t, drainEvents(typist))
}

func TestEditRejectedForNonSender(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true, 2: true})
	owner := f.addClient(1)
	intruder := f.addClient(2)

	message := models.Message{RoomID: 1, SenderID: 1, Type: models.MessageTypeText}
	content := "original"
	message.Content = &content
	require.NoError(t, f.messages.Create(context.Background(), &message, nil))

	f.service.handleEdit(context.Background(), intruder, dto.ChatActionRequest{
		Action: "edit_message", MessageID: message.ID, NewContent: "hijacked",
	})

	replies := drainErrors(intruder)
	require.Len(t, replies, 1)
	require.Equal(t, "You can only edit your own messages", replies[0].Error)

	// No broadcast reached the room and the content is unchanged.
	require.Empty(t, drainEvents(owner))
	stored, err := f.messages.FindByID(context.Background(), message.ID)
	require.NoError(t, err)
	require.Equal(t, "original", *stored.Content)
}

func TestDeleteRejectedForNonSender(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true, 2: true})
	intruder := f.addClient(2)

	message := models.Message{RoomID: 1, SenderID: 1, Type: models.MessageTypeText}
	require.NoError(t, f.messages.Create(context.Background(), &message, nil))

	f.service.handleDelete(context.Background(), intruder, dto.ChatActionRequest{
		Action: "delete_message", MessageID: message.ID,
	})

	replies := drainErrors(intruder)
	require.Len(t, replies, 1)
	require.Equal(t, "You can only delete your own messages", replies[0].Error)
}

func TestPinLimitRejectionIsReplyOnly(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true, 2: true})
	actor := f.addClient(1)
	other := f.addClient(2)

	var last uint
	for i := 0; i < models.MaxPinnedPerRoom+1; i++ {
		message := models.Message{RoomID: 1, SenderID: 1, Type: models.MessageTypeText}
		require.NoError(t, f.messages.Create(context.Background(), &message, nil))
		last = message.ID
		if i < models.MaxPinnedPerRoom {
			_, err := f.messages.Pin(context.Background(), message.ID)
			require.NoError(t, err)
		}
	}

	f.service.handlePin(context.Background(), actor, dto.ChatActionRequest{Action: "pin_message", MessageID: last})

	replies := drainErrors(actor)
	require.Len(t, replies, 1)
	require.Contains(t, replies[0].Error, "pinned messages")
	require.Empty(t, drainEvents(other))
}

func TestReactionOnDeletedMessageRejected(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true})
	actor := f.addClient(1)

	message := models.Message{RoomID: 1, SenderID: 1, Type: models.MessageTypeText}
	require.NoError(t, f.messages.Create(context.Background(), &message, nil))
	require.NoError(t, f.messages.SoftDelete(context.Background(), message.ID))

	f.service.handleReact(context.Background(), actor, dto.ChatActionRequest{
		Action: "react_message", MessageID: message.ID, Reaction: "thumbs_up",
	})

	replies := drainErrors(actor)
	require.Len(t, replies, 1)
	require.Equal(t, "Cannot react to a deleted message", replies[0].Error)
}

func TestCrossRoomMessageOpsRejected(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true})
	actor := f.addClient(1)

	foreign := models.Message{RoomID: 99, SenderID: 1, Type: models.MessageTypeText}
	f.messages.mu.Lock()
	f.messages.seq++
	foreign.ID = f.messages.seq
	f.messages.messages[foreign.ID] = foreign
	f.messages.mu.Unlock()

	f.service.handlePin(context.Background(), actor, dto.ChatActionRequest{Action: "pin_message", MessageID: foreign.ID})

	replies := drainErrors(actor)
	require.Len(t, replies, 1)
	require.Equal(t, "Message not found", replies[0].Error)
}

func TestFanoutNotifiesMentionsAndPushesOffline(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true, 2: true, 3: true, 4: true})

	// Sender 1 mentions 2 and 3; 2 is online, 4 is an unmentioned offline member.
	require.NoError(t, f.presence.Connect(context.Background(), 1))
	require.NoError(t, f.presence.Connect(context.Background(), 2))

	event := dto.ChatEvent{
		Type:     dto.EventChatMessage,
		ID:       10,
		RoomID:   1,
		SenderID: 1,
		Sender:   &dto.SenderSnapshot{ID: 1, Name: "Ana Silva"},
		Message:  "hey @Ben @Cleo",
	}
	f.service.fanoutMessage(context.Background(), event, "general", []uint{2, 3})

	require.ElementsMatch(t, []uint{2, 3}, f.notifier.publishedTargets())
	for _, payload := range f.notifier.published {
		require.Equal(t, models.NotificationChatMention, payload.EventType)
		require.Contains(t, payload.Message, "Ana Silva mentioned you")
	}

	// Only the offline, unmentioned member gets a direct push. The mentioned
	// users are covered by the publish path; the sender never is.
	require.Equal(t, []uint{4}, f.notifier.pushedTargets())
}

func TestFanoutSkipsOnlineMembers(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true, 2: true})
	require.NoError(t, f.presence.Connect(context.Background(), 2))

	event := dto.ChatEvent{Type: dto.EventChatMessage, ID: 11, RoomID: 1, SenderID: 1, Message: "ping"}
	f.service.fanoutMessage(context.Background(), event, "general", nil)

	require.Empty(t, f.notifier.publishedTargets())
	require.Empty(t, f.notifier.pushedTargets())
}

func TestRoomsListsOnlyMemberships(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true})
	f.reads.unread = 3

	rooms, err := f.service.Rooms(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, "general", rooms[0].Name)
	require.EqualValues(t, 3, rooms[0].UnreadCount)

	rooms, err = f.service.Rooms(context.Background(), 9)
	require.NoError(t, err)
	require.Empty(t, rooms)
}

func TestHistoryRequiresMembership(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true})

	_, err := f.service.History(context.Background(), 9, dto.ChatHistoryQuery{RoomID: 1})
	require.ErrorIs(t, err, ErrNotRoomMember)

	_, err = f.service.History(context.Background(), 1, dto.ChatHistoryQuery{RoomID: 1})
	require.NoError(t, err)
}

func TestHistoryHidesDeletedContent(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true})

	message := models.Message{RoomID: 1, SenderID: 1, Type: models.MessageTypeText}
	content := "secret"
	message.Content = &content
	require.NoError(t, f.messages.Create(context.Background(), &message, nil))
	require.NoError(t, f.messages.SoftDelete(context.Background(), message.ID))

	history, err := f.service.History(context.Background(), 1, dto.ChatHistoryQuery{RoomID: 1})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.True(t, history[0].IsDeleted)
	require.Empty(t, history[0].Content)
}

func TestMarkRoomReadReturnsUnreadCount(t *testing.T) {
	f := newChatFixture(map[uint]bool{1: true})
	f.reads.unread = 0

	status, err := f.service.MarkRoomRead(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Equal(t, uint(1), status.RoomID)
	require.Zero(t, status.UnreadCount)
	require.False(t, status.LastRead.IsZero())

	_, err = f.service.MarkRoomRead(context.Background(), 9, 1)
	require.ErrorIs(t, err, ErrNotRoomMember)
}
