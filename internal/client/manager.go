// Package client owns one logical connection to the chat server per device
// session, queueing joins and subscriptions until the connection is ready
// and re-establishing it after unexpected loss.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chat-core/internal/models"
)

var (
	// ErrNotConnected is returned by sends attempted without a live
	// connection. Messages are never queued.
	ErrNotConnected = errors.New("client: not connected")
	// ErrConnectionUnavailable means every dial attempt failed. It is not
	// fatal: callers are expected to fall back to polling history.
	ErrConnectionUnavailable = errors.New("client: connection unavailable")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Options struct {
	// ReconnectAttempts bounds dial attempts per connect or reconnect cycle.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	// OnStateChange is called outside internal locks on every transition.
	// Exhausted reconnects report (StateDisconnected, ErrConnectionUnavailable).
	OnStateChange func(State, error)
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// ConnectionManager is safe for concurrent use. Callbacks run on the
// connection's read goroutine and may call back into the manager.
type ConnectionManager struct {
	dialer Dialer
	opts   Options
	logger *slog.Logger
	queue  *PendingOperationQueue

	mu          sync.Mutex
	state       State
	userID      int64
	transport   Transport
	rooms       map[int64]struct{}
	msgHandlers []func(models.Message)
	errHandlers []func(models.ErrorPayload)
	stop        context.CancelFunc
	life        context.Context
}

func NewConnectionManager(dialer Dialer, opts Options) *ConnectionManager {
	opts = opts.withDefaults()
	return &ConnectionManager{
		dialer: dialer,
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "connection_manager")),
		queue:  NewPendingOperationQueue(),
		rooms:  make(map[int64]struct{}),
	}
}

func (m *ConnectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect dials the server as userID, retrying with a fixed delay. It is a
// no-op while a connection exists or is being established. On success the
// personal room is joined, previously joined rooms are re-joined and the
// pending queue is replayed in order.
func (m *ConnectionManager) Connect(ctx context.Context, userID int64) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.userID = userID
	m.life, m.stop = context.WithCancel(context.Background())
	life := m.life
	m.mu.Unlock()
	m.notify(StateConnecting, nil)

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(life, cancel)
	defer unhook()

	t, err := m.dial(dialCtx, userID)
	if err != nil {
		m.mu.Lock()
		if !m.currentLocked(life, StateConnecting) {
			m.mu.Unlock()
			return ErrNotConnected
		}
		m.state = StateDisconnected
		m.stop()
		m.mu.Unlock()
		m.notify(StateDisconnected, ErrConnectionUnavailable)
		return fmt.Errorf("%w: %v", ErrConnectionUnavailable, err)
	}
	return m.activate(life, t, StateConnecting)
}

// JoinRoom subscribes to a community room, or queues the join until the
// connection is ready.
func (m *ConnectionManager) JoinRoom(roomID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		m.queue.Enqueue(PendingOperation{Kind: OpJoin, RoomID: roomID})
		return nil
	}
	m.rooms[roomID] = struct{}{}
	return m.sendLocked(models.EventJoinRoom, roomID)
}

// LeaveRoom unsubscribes from roomID and cancels any join still queued for it.
func (m *ConnectionManager) LeaveRoom(roomID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	m.queue.CancelJoin(roomID)
	if m.state != StateConnected {
		return nil
	}
	return m.sendLocked(models.EventLeaveRoom, roomID)
}

// SendRoomMessage emits new_message without waiting for the server echo.
func (m *ConnectionManager) SendRoomMessage(roomID int64, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return ErrNotConnected
	}
	return m.sendLocked(models.EventNewMessage, models.RoomMessageRequest{
		RoomID:   roomID,
		Content:  content,
		SenderID: m.userID,
	})
}

// SendDirectMessage emits send_dm without waiting for the server echo.
func (m *ConnectionManager) SendDirectMessage(receiverID int64, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return ErrNotConnected
	}
	return m.sendLocked(models.EventSendDM, models.DirectMessageRequest{
		SenderID:   m.userID,
		ReceiverID: receiverID,
		Content:    content,
	})
}

// OnMessage registers fn for message_received events. Before the connection
// is ready the registration is queued so no message is missed.
func (m *ConnectionManager) OnMessage(fn func(models.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		m.queue.Enqueue(PendingOperation{Kind: OpSubscribeMessages, OnMessage: fn})
		return
	}
	m.msgHandlers = append(m.msgHandlers, fn)
}

// OnError registers fn for server error events, queued like OnMessage.
func (m *ConnectionManager) OnError(fn func(models.ErrorPayload)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		m.queue.Enqueue(PendingOperation{Kind: OpSubscribeErrors, OnError: fn})
		return
	}
	m.errHandlers = append(m.errHandlers, fn)
}

// Disconnect closes the transport, forgets joined rooms and clears queued
// operations. Calling it again is harmless.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	prev := m.state
	t := m.transport
	m.transport = nil
	m.state = StateDisconnected
	m.rooms = make(map[int64]struct{})
	m.queue.Clear()
	if m.stop != nil {
		m.stop()
	}
	m.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close()
	}
	if prev != StateDisconnected {
		m.notify(StateDisconnected, nil)
	}
	return err
}

func (m *ConnectionManager) dial(ctx context.Context, userID int64) (Transport, error) {
	var t Transport
	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.ReconnectDelay), uint64(m.opts.ReconnectAttempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		attempt++
		conn, err := m.dialer.Dial(ctx, userID)
		if err != nil {
			m.logger.Warn("dial failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", m.opts.ReconnectAttempts),
				slog.Any("error", err))
			return err
		}
		t = conn
		return nil
	}, policy)
	return t, err
}

// currentLocked reports whether the connect cycle that owns life is still
// the live one and in the expected phase. A Disconnect followed by a new
// Connect replaces life, so a dial started before that can never touch the
// newer cycle.
func (m *ConnectionManager) currentLocked(life context.Context, expected State) bool {
	return m.life == life && life.Err() == nil && m.state == expected
}

// activate promotes a fresh transport to the live connection, provided the
// cycle that dialed it is still current.
func (m *ConnectionManager) activate(life context.Context, t Transport, expected State) error {
	m.mu.Lock()
	if !m.currentLocked(life, expected) {
		m.mu.Unlock()
		_ = t.Close()
		return ErrNotConnected
	}
	m.transport = t
	m.state = StateConnected

	if err := m.sendLocked(models.EventJoinPersonal, nil); err != nil {
		m.logger.Warn("personal room join failed", slog.Any("error", err))
	}

	rejoin := make([]int64, 0, len(m.rooms))
	for id := range m.rooms {
		rejoin = append(rejoin, id)
	}
	sort.Slice(rejoin, func(i, j int) bool { return rejoin[i] < rejoin[j] })
	for _, id := range rejoin {
		if err := m.sendLocked(models.EventJoinRoom, id); err != nil {
			m.logger.Warn("room rejoin failed", slog.Int64("room_id", id), slog.Any("error", err))
		}
	}

	for _, op := range m.queue.Drain() {
		m.replayLocked(op)
	}
	m.mu.Unlock()

	m.notify(StateConnected, nil)
	go m.readLoop(t)
	return nil
}

func (m *ConnectionManager) replayLocked(op PendingOperation) {
	switch op.Kind {
	case OpJoin:
		if _, ok := m.rooms[op.RoomID]; ok {
			return
		}
		m.rooms[op.RoomID] = struct{}{}
		if err := m.sendLocked(models.EventJoinRoom, op.RoomID); err != nil {
			m.logger.Warn("queued join failed", slog.Int64("room_id", op.RoomID), slog.Any("error", err))
		}
	case OpSubscribeMessages:
		m.msgHandlers = append(m.msgHandlers, op.OnMessage)
	case OpSubscribeErrors:
		m.errHandlers = append(m.errHandlers, op.OnError)
	}
}

func (m *ConnectionManager) sendLocked(event string, data any) error {
	if m.transport == nil {
		return ErrNotConnected
	}
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	if err := m.transport.Send(env); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (m *ConnectionManager) readLoop(t Transport) {
	for {
		env, err := t.Receive()
		if err != nil {
			m.transportLost(t, err)
			return
		}
		m.deliver(env)
	}
}

func (m *ConnectionManager) deliver(env models.Envelope) {
	switch env.Event {
	case models.EventMessageReceived:
		var msg models.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			m.logger.Warn("malformed message_received", slog.Any("error", err))
			return
		}
		m.mu.Lock()
		handlers := append([]func(models.Message){}, m.msgHandlers...)
		m.mu.Unlock()
		for _, fn := range handlers {
			fn(msg)
		}
	case models.EventError:
		var p models.ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			m.logger.Warn("malformed error event", slog.Any("error", err))
			return
		}
		m.mu.Lock()
		handlers := append([]func(models.ErrorPayload){}, m.errHandlers...)
		m.mu.Unlock()
		for _, fn := range handlers {
			fn(p)
		}
	default:
		m.logger.Debug("ignoring event", slog.String("event", env.Event))
	}
}

// transportLost runs on the read goroutine of t. Losses of transports that
// are no longer current, including ones closed by Disconnect, are ignored.
func (m *ConnectionManager) transportLost(t Transport, cause error) {
	m.mu.Lock()
	if m.transport != t {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.state = StateReconnecting
	userID := m.userID
	life := m.life
	m.mu.Unlock()

	_ = t.Close()
	m.logger.Warn("connection lost, reconnecting", slog.Any("error", cause))
	m.notify(StateReconnecting, cause)

	next, err := m.dial(life, userID)
	if err != nil {
		m.mu.Lock()
		if !m.currentLocked(life, StateReconnecting) {
			m.mu.Unlock()
			return
		}
		m.state = StateDisconnected
		m.stop()
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted", slog.Any("error", err))
		m.notify(StateDisconnected, ErrConnectionUnavailable)
		return
	}
	_ = m.activate(life, next, StateReconnecting)
}

func (m *ConnectionManager) notify(s State, err error) {
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(s, err)
	}
}
