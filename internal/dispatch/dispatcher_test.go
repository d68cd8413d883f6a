package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-core/internal/mocks"
	"chat-core/internal/models"
	"chat-core/internal/repositories"
	"chat-core/internal/telemetry"
	"chat-core/internal/ws"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	owner  *ws.Session
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) Close() error                     { return nil }

func (f *fakeConn) envelopes() []models.Envelope {
	if f.owner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = f.owner.Flush(ctx)
		cancel()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env models.Envelope
		if err := json.Unmarshal(frame, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

type fixture struct {
	registry *ws.Registry
	messages *mocks.MessageRepositoryMock
	users    *mocks.UserRepositoryMock
	notifier *mocks.NotifierMock
	audit    *mocks.PublisherMock
	d        *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: ws.NewRegistry(nil),
		messages: new(mocks.MessageRepositoryMock),
		users:    new(mocks.UserRepositoryMock),
		notifier: new(mocks.NotifierMock),
		audit:    new(mocks.PublisherMock),
	}
	emitter := telemetry.NewAuditEmitter(f.audit, "audit.chat", "chat-core", "test", nil)
	f.d = New(f.registry, f.messages, f.users, f.notifier, emitter, Config{MaxContentLength: 20}, nil)
	return f
}

func (f *fixture) connect(userID int64) (*ws.Session, *fakeConn) {
	conn := &fakeConn{}
	s := ws.NewSession(userID, conn, ws.ConnInfo{RequestID: fmt.Sprintf("req-%d", userID)}, ws.SessionConfig{})
	conn.owner = s
	return s, conn
}

func (f *fixture) send(s *ws.Session, event string, data any) {
	raw, _ := json.Marshal(data)
	frame, _ := json.Marshal(models.Envelope{Event: event, Data: raw})
	f.d.HandleEvent(context.Background(), s, frame)
}

func onlyError(t *testing.T, conn *fakeConn) models.ErrorPayload {
	t.Helper()
	envs := conn.envelopes()
	require.Len(t, envs, 1)
	require.Equal(t, models.EventError, envs[0].Event)
	var p models.ErrorPayload
	require.NoError(t, json.Unmarshal(envs[0].Data, &p))
	return p
}

func decodeMessage(t *testing.T, env models.Envelope) models.Message {
	t.Helper()
	require.Equal(t, models.EventMessageReceived, env.Event)
	var m models.Message
	require.NoError(t, json.Unmarshal(env.Data, &m))
	return m
}

func roomMessage(id, roomID, senderID int64, content string, at time.Time) models.Message {
	return models.Message{ID: id, Kind: models.KindRoom, SenderID: senderID, RoomID: &roomID, Content: content, CreatedAt: at}
}

func directMessage(id, senderID, receiverID int64, content string, at time.Time) models.Message {
	return models.Message{ID: id, Kind: models.KindDirect, SenderID: senderID, ReceiverID: &receiverID, Content: content, CreatedAt: at}
}

func TestJoinAndLeaveRoom(t *testing.T) {
	f := newFixture(t)
	s, conn := f.connect(1)

	f.send(s, models.EventJoinRoom, 42)
	f.send(s, models.EventJoinRoom, "43")
	assert.True(t, f.registry.IsMember(s.ID, models.CommunityRoom(42)))
	assert.True(t, f.registry.IsMember(s.ID, models.CommunityRoom(43)))

	f.send(s, models.EventLeaveRoom, 42)
	assert.False(t, f.registry.IsMember(s.ID, models.CommunityRoom(42)))
	assert.Empty(t, conn.envelopes())
}

func TestJoinRoomRejectsBadID(t *testing.T) {
	f := newFixture(t)
	s, conn := f.connect(1)

	f.send(s, models.EventJoinRoom, "lobby")

	p := onlyError(t, conn)
	assert.Equal(t, models.CodeValidationError, p.Code)
	assert.Equal(t, models.EventJoinRoom, p.Event)
	assert.Zero(t, f.registry.RoomCount())
}

func TestJoinPersonalUsesAuthenticatedUser(t *testing.T) {
	f := newFixture(t)
	s, _ := f.connect(7)

	f.send(s, models.EventJoinPersonal, map[string]int64{"userId": 99})

	assert.True(t, f.registry.IsMember(s.ID, models.PersonalRoom(7)))
	assert.False(t, f.registry.IsMember(s.ID, models.PersonalRoom(99)))
}

func TestRoomMessageReachesEveryMemberIncludingSender(t *testing.T) {
	f := newFixture(t)
	alice, aliceConn := f.connect(1)
	bob, bobConn := f.connect(2)
	outsider, outsiderConn := f.connect(3)
	f.send(alice, models.EventJoinRoom, 42)
	f.send(bob, models.EventJoinRoom, 42)
	f.send(outsider, models.EventJoinRoom, 7)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.messages.On("CreateRoomMessage", mock.Anything, int64(42), int64(1), "hi").
		Return(roomMessage(10, 42, 1, "hi", at), nil).Once()
	f.users.On("GetUser", mock.Anything, int64(1)).
		Return(models.User{ID: 1, Username: "alice", DisplayName: "Alice"}, nil)

	f.send(alice, models.EventNewMessage, models.RoomMessageRequest{RoomID: 42, Content: "hi"})

	for _, conn := range []*fakeConn{aliceConn, bobConn} {
		envs := conn.envelopes()
		require.Len(t, envs, 1)
		m := decodeMessage(t, envs[0])
		assert.Equal(t, "hi", m.Content)
		assert.Equal(t, int64(1), m.SenderID)
		assert.Equal(t, "alice", m.SenderUsername)
		assert.True(t, at.Equal(m.CreatedAt))
	}
	assert.Empty(t, outsiderConn.envelopes())
	f.messages.AssertExpectations(t)
}

func TestRoomMessageRequiresMembership(t *testing.T) {
	f := newFixture(t)
	s, conn := f.connect(1)

	f.send(s, models.EventNewMessage, models.RoomMessageRequest{RoomID: 42, Content: "hi"})

	p := onlyError(t, conn)
	assert.Equal(t, models.CodeUnauthorized, p.Code)
	assert.Equal(t, models.ReasonNotRoomMember, p.ReasonCode)
	f.messages.AssertNotCalled(t, "CreateRoomMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRoomMessageContentValidation(t *testing.T) {
	cases := map[string]string{
		"empty":      "",
		"whitespace": "   \n\t",
		"too long":   strings.Repeat("x", 21),
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			s, conn := f.connect(1)
			f.send(s, models.EventJoinRoom, 42)

			f.send(s, models.EventNewMessage, models.RoomMessageRequest{RoomID: 42, Content: content})

			assert.Equal(t, models.CodeValidationError, onlyError(t, conn).Code)
			f.messages.AssertNotCalled(t, "CreateRoomMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestContentLimitCountsCharactersNotBytes(t *testing.T) {
	f := newFixture(t)
	s, conn := f.connect(1)
	f.send(s, models.EventJoinRoom, 42)
	content := strings.Repeat("é", 20)
	f.messages.On("CreateRoomMessage", mock.Anything, int64(42), int64(1), content).
		Return(roomMessage(1, 42, 1, content, time.Now()), nil).Once()
	f.users.On("GetUser", mock.Anything, int64(1)).Return(models.User{ID: 1}, nil)

	f.send(s, models.EventNewMessage, models.RoomMessageRequest{RoomID: 42, Content: content})

	envs := conn.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, models.EventMessageReceived, envs[0].Event)
}

func TestClaimedSenderIsReplacedByAuthenticatedUser(t *testing.T) {
	f := newFixture(t)
	s, conn := f.connect(1)
	f.send(s, models.EventJoinRoom, 42)
	f.messages.On("CreateRoomMessage", mock.Anything, int64(42), int64(1), "hello").
		Return(roomMessage(3, 42, 1, "hello", time.Now()), nil).Once()
	f.users.On("GetUser", mock.Anything, int64(1)).Return(models.User{ID: 1, Username: "alice"}, nil)

	f.send(s, models.EventNewMessage, models.RoomMessageRequest{RoomID: 42, Content: "hello", SenderID: 99})

	envs := conn.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, int64(1), decodeMessage(t, envs[0]).SenderID)
	f.messages.AssertExpectations(t)
}

func TestRoomMessageStoreFailureOnlyNotifiesSender(t *testing.T) {
	f := newFixture(t)
	alice, aliceConn := f.connect(1)
	bob, bobConn := f.connect(2)
	f.send(alice, models.EventJoinRoom, 42)
	f.send(bob, models.EventJoinRoom, 42)
	f.messages.On("CreateRoomMessage", mock.Anything, int64(42), int64(1), "hi").
		Return(nil, errors.New("db down")).Once()

	f.send(alice, models.EventNewMessage, models.RoomMessageRequest{RoomID: 42, Content: "hi"})

	assert.Equal(t, models.CodeServerError, onlyError(t, aliceConn).Code)
	assert.Empty(t, bobConn.envelopes())
}

func TestSenderLookupFailureStillDelivers(t *testing.T) {
	f := newFixture(t)
	s, conn := f.connect(1)
	f.send(s, models.EventJoinRoom, 42)
	f.messages.On("CreateRoomMessage", mock.Anything, int64(42), int64(1), "hi").
		Return(roomMessage(3, 42, 1, "hi", time.Now()), nil).Once()
	f.users.On("GetUser", mock.Anything, int64(1)).Return(nil, errors.New("timeout"))

	f.send(s, models.EventNewMessage, models.RoomMessageRequest{RoomID: 42, Content: "hi"})

	envs := conn.envelopes()
	require.Len(t, envs, 1)
	m := decodeMessage(t, envs[0])
	assert.Empty(t, m.SenderUsername)
	assert.Equal(t, "hi", m.Content)
}

func TestDirectMessageDeliveredToBothPersonalRooms(t *testing.T) {
	f := newFixture(t)
	alice, aliceConn := f.connect(1)
	bob, bobConn := f.connect(2)
	bobOtherDevice, bobOtherConn := f.connect(2)
	f.send(alice, models.EventJoinPersonal, nil)
	f.send(bob, models.EventJoinPersonal, nil)
	f.send(bobOtherDevice, models.EventJoinPersonal, nil)

	f.users.On("GetDMPrivacy", mock.Anything, int64(2)).Return(models.DMEveryone, nil)
	f.users.On("IsBlocked", mock.Anything, int64(1), int64(2)).Return(false, nil)
	f.users.On("GetUser", mock.Anything, int64(1)).Return(models.User{ID: 1, Username: "alice"}, nil)
	f.messages.On("CreateDirectMessage", mock.Anything, int64(1), int64(2), "psst").
		Return(directMessage(5, 1, 2, "psst", time.Now()), nil).Once()

	f.send(alice, models.EventSendDM, models.DirectMessageRequest{ReceiverID: 2, Content: "psst"})
	f.d.Close()

	for _, conn := range []*fakeConn{aliceConn, bobConn, bobOtherConn} {
		envs := conn.envelopes()
		require.Len(t, envs, 1)
		m := decodeMessage(t, envs[0])
		assert.Equal(t, models.KindDirect, m.Kind)
		assert.Equal(t, "psst", m.Content)
	}
	f.notifier.AssertNotCalled(t, "NotifyDirectMessage", mock.Anything, mock.Anything)
}

func TestDirectMessageDeniedIsNeverPersisted(t *testing.T) {
	cases := []struct {
		name    string
		setting models.DMPrivacy
		setup   func(u *mocks.UserRepositoryMock)
		reason  models.ReasonCode
	}{
		{
			name:    "followers only",
			setting: models.DMFollowers,
			setup: func(u *mocks.UserRepositoryMock) {
				u.On("IsFollowing", mock.Anything, int64(2), int64(1)).Return(false, nil)
			},
			reason: models.ReasonFollowersOnlyNotFollowing,
		},
		{
			name:    "blocked",
			setting: models.DMEveryone,
			setup: func(u *mocks.UserRepositoryMock) {
				u.On("IsBlocked", mock.Anything, int64(1), int64(2)).Return(true, nil)
			},
			reason: models.ReasonReceiverBlocksSender,
		},
		{
			name:    "nobody",
			setting: models.DMNobody,
			setup:   func(*mocks.UserRepositoryMock) {},
			reason:  models.ReasonReceiverDisabledDMs,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			sender, senderConn := f.connect(1)
			receiver, receiverConn := f.connect(2)
			f.send(sender, models.EventJoinPersonal, nil)
			f.send(receiver, models.EventJoinPersonal, nil)
			f.users.On("GetDMPrivacy", mock.Anything, int64(2)).Return(tc.setting, nil)
			tc.setup(f.users)
			f.audit.On("Publish", mock.Anything, "audit.chat", mock.Anything, mock.Anything).Return(nil).Once()

			f.send(sender, models.EventSendDM, models.DirectMessageRequest{ReceiverID: 2, Content: "hey"})

			p := onlyError(t, senderConn)
			assert.Equal(t, models.CodeUnauthorized, p.Code)
			assert.Equal(t, tc.reason, p.ReasonCode)
			assert.Empty(t, receiverConn.envelopes())
			f.messages.AssertNotCalled(t, "CreateDirectMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			f.audit.AssertExpectations(t)
		})
	}
}

func TestDirectMessageToOfflineReceiverTriggersPush(t *testing.T) {
	f := newFixture(t)
	alice, aliceConn := f.connect(1)
	f.send(alice, models.EventJoinPersonal, nil)

	msg := directMessage(8, 1, 2, "wake up", time.Now())
	f.users.On("GetDMPrivacy", mock.Anything, int64(2)).Return(models.DMEveryone, nil)
	f.users.On("IsBlocked", mock.Anything, int64(1), int64(2)).Return(false, nil)
	f.users.On("GetUser", mock.Anything, int64(1)).Return(models.User{ID: 1, Username: "alice"}, nil)
	f.messages.On("CreateDirectMessage", mock.Anything, int64(1), int64(2), "wake up").Return(msg, nil).Once()
	f.notifier.On("NotifyDirectMessage", mock.Anything, mock.MatchedBy(func(m models.Message) bool {
		return m.ID == 8 && m.SenderUsername == "alice"
	})).Return(errors.New("broker unavailable")).Once()

	f.send(alice, models.EventSendDM, models.DirectMessageRequest{ReceiverID: 2, Content: "wake up"})
	f.d.Close()

	envs := aliceConn.envelopes()
	require.Len(t, envs, 1, "push failure must not surface to the sender")
	assert.Equal(t, models.EventMessageReceived, envs[0].Event)
	f.notifier.AssertExpectations(t)
}

func TestDirectMessageValidation(t *testing.T) {
	f := newFixture(t)
	s, conn := f.connect(1)

	f.send(s, models.EventSendDM, models.DirectMessageRequest{ReceiverID: 1, Content: "me"})
	f.send(s, models.EventSendDM, models.DirectMessageRequest{Content: "nobody"})
	f.send(s, models.EventSendDM, models.DirectMessageRequest{ReceiverID: 2, Content: " "})

	envs := conn.envelopes()
	require.Len(t, envs, 3)
	for _, env := range envs {
		var p models.ErrorPayload
		require.NoError(t, json.Unmarshal(env.Data, &p))
		assert.Equal(t, models.CodeValidationError, p.Code)
		assert.Equal(t, models.EventSendDM, p.Event)
	}
	f.users.AssertNotCalled(t, "GetDMPrivacy", mock.Anything, mock.Anything)
}

func TestDirectMessageUnknownRecipient(t *testing.T) {
	f := newFixture(t)
	s, conn := f.connect(1)
	f.users.On("GetDMPrivacy", mock.Anything, int64(404)).Return(models.DMPrivacy(""), repositories.ErrUserNotFound)

	f.send(s, models.EventSendDM, models.DirectMessageRequest{ReceiverID: 404, Content: "hello?"})

	assert.Equal(t, models.CodeValidationError, onlyError(t, conn).Code)
}

func TestRelationshipLookupFailureIsServerError(t *testing.T) {
	f := newFixture(t)
	s, conn := f.connect(1)
	f.users.On("GetDMPrivacy", mock.Anything, int64(2)).Return(models.DMFollowers, nil)
	f.users.On("IsFollowing", mock.Anything, int64(2), int64(1)).Return(false, errors.New("connection reset"))

	f.send(s, models.EventSendDM, models.DirectMessageRequest{ReceiverID: 2, Content: "hi"})

	assert.Equal(t, models.CodeServerError, onlyError(t, conn).Code)
	f.messages.AssertNotCalled(t, "CreateDirectMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUnknownAndMalformedFrames(t *testing.T) {
	f := newFixture(t)
	s, conn := f.connect(1)

	f.d.HandleEvent(context.Background(), s, []byte(`{"event":"dance","data":{}}`))
	f.d.HandleEvent(context.Background(), s, []byte(`{not json`))

	envs := conn.envelopes()
	require.Len(t, envs, 2)
	for _, env := range envs {
		var p models.ErrorPayload
		require.NoError(t, json.Unmarshal(env.Data, &p))
		assert.Equal(t, models.CodeValidationError, p.Code)
	}
}

func TestClosedDispatcherSkipsPushButDelivers(t *testing.T) {
	f := newFixture(t)
	alice, aliceConn := f.connect(1)
	f.send(alice, models.EventJoinPersonal, nil)
	f.d.Close()

	f.users.On("GetDMPrivacy", mock.Anything, int64(2)).Return(models.DMEveryone, nil)
	f.users.On("IsBlocked", mock.Anything, int64(1), int64(2)).Return(false, nil)
	f.users.On("GetUser", mock.Anything, int64(1)).Return(models.User{ID: 1, Username: "alice"}, nil)
	f.messages.On("CreateDirectMessage", mock.Anything, int64(1), int64(2), "late").
		Return(directMessage(9, 1, 2, "late", time.Now()), nil).Once()

	f.send(alice, models.EventSendDM, models.DirectMessageRequest{ReceiverID: 2, Content: "late"})
	f.d.Close()

	envs := aliceConn.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "late", decodeMessage(t, envs[0]).Content)
	f.notifier.AssertNotCalled(t, "NotifyDirectMessage", mock.Anything, mock.Anything)
}
