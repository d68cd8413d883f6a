// Package dispatch validates, authorizes, persists and fans out inbound
// websocket events.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/privacy"
	"chat-core/internal/repositories"
	"chat-core/internal/telemetry"
	"chat-core/internal/ws"
)

// Rooms is the registry surface the dispatcher needs.
type Rooms interface {
	Join(s *ws.Session, room models.RoomID)
	Leave(sessionID string, room models.RoomID)
	IsMember(sessionID string, room models.RoomID) bool
	Broadcast(room models.RoomID, env models.Envelope) (int, error)
}

// Notifier delivers push notifications for offline recipients.
type Notifier interface {
	NotifyDirectMessage(ctx context.Context, msg models.Message) error
}

// Config bounds inbound content and background work.
type Config struct {
	MaxContentLength int
	PushTimeout      time.Duration
}

// Dispatcher is safe for concurrent use by many sessions.
type Dispatcher struct {
	rooms    Rooms
	messages repositories.MessageRepository
	users    repositories.UserRepository
	notifier Notifier
	audit    *telemetry.AuditEmitter
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// New constructs a Dispatcher. notifier and audit may be nil.
func New(rooms Rooms, messages repositories.MessageRepository, users repositories.UserRepository, notifier Notifier, audit *telemetry.AuditEmitter, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 2000
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		rooms:    rooms,
		messages: messages,
		users:    users,
		notifier: notifier,
		audit:    audit,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// Close stops starting push notifications and blocks until in-flight ones
// finish. Messages keep flowing; only the offline push is skipped after Close.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.pending.Wait()
}

// failure is converted into an error event for the originating session.
type failure struct {
	code   models.ErrorCode
	reason models.ReasonCode
	msg    string
	err    error
}

func invalid(format string, args ...any) *failure {
	return &failure{code: models.CodeValidationError, msg: fmt.Sprintf(format, args...)}
}

func internal(msg string, err error) *failure {
	return &failure{code: models.CodeServerError, msg: msg, err: err}
}

// HandleEvent routes one inbound frame. Every failure is answered with an
// error event to s; nothing is ever broadcast for a failed event.
func (d *Dispatcher) HandleEvent(ctx context.Context, s *ws.Session, frame []byte) {
	if !gjson.ValidBytes(frame) {
		d.reject(ctx, s, "", invalid("malformed frame"))
		return
	}
	event := gjson.GetBytes(frame, "event").String()
	data := json.RawMessage(gjson.GetBytes(frame, "data").Raw)

	ctx, span := otel.Tracer("chat-core/dispatch").Start(ctx, "dispatch."+event)
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.ID), attribute.Int64("user.id", s.UserID))

	var f *failure
	switch event {
	case models.EventJoinRoom:
		f = d.joinRoom(s, data)
	case models.EventLeaveRoom:
		f = d.leaveRoom(s, data)
	case models.EventJoinPersonal:
		d.rooms.Join(s, models.PersonalRoom(s.UserID))
	case models.EventNewMessage:
		f = d.roomMessage(ctx, s, data)
	case models.EventSendDM:
		f = d.directMessage(ctx, s, data)
	default:
		f = invalid("unknown event %q", event)
	}

	if f != nil {
		span.SetStatus(codes.Error, string(f.code))
		d.reject(ctx, s, event, f)
	}
}

func (d *Dispatcher) joinRoom(s *ws.Session, data json.RawMessage) *failure {
	roomID, err := models.ParseRoomID(data)
	if err != nil {
		return invalid("%v", err)
	}
	d.rooms.Join(s, models.CommunityRoom(roomID))
	return nil
}

func (d *Dispatcher) leaveRoom(s *ws.Session, data json.RawMessage) *failure {
	roomID, err := models.ParseRoomID(data)
	if err != nil {
		return invalid("%v", err)
	}
	d.rooms.Leave(s.ID, models.CommunityRoom(roomID))
	return nil
}

func (d *Dispatcher) roomMessage(ctx context.Context, s *ws.Session, data json.RawMessage) *failure {
	var req models.RoomMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return invalid("invalid new_message payload")
	}
	if req.RoomID <= 0 {
		return invalid("roomId is required")
	}
	d.checkAdvisorySender(s, req.SenderID)
	if f := d.validateContent(req.Content); f != nil {
		return f
	}

	room := models.CommunityRoom(req.RoomID)
	if !d.rooms.IsMember(s.ID, room) {
		return &failure{code: models.CodeUnauthorized, reason: models.ReasonNotRoomMember, msg: "join the room before sending to it"}
	}

	msg, err := d.messages.CreateRoomMessage(ctx, req.RoomID, s.UserID, req.Content)
	if err != nil {
		return internal("failed to store message", err)
	}
	msg = d.withSender(ctx, msg)

	env, err := models.NewEnvelope(models.EventMessageReceived, msg)
	if err != nil {
		return internal("failed to encode message", err)
	}
	if _, err := d.rooms.Broadcast(room, env); err != nil {
		return internal("failed to deliver message", err)
	}
	observability.IncMessageDispatched(string(models.KindRoom))
	return nil
}

func (d *Dispatcher) directMessage(ctx context.Context, s *ws.Session, data json.RawMessage) *failure {
	var req models.DirectMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return invalid("invalid send_dm payload")
	}
	if req.ReceiverID <= 0 {
		return invalid("receiverId is required")
	}
	if req.ReceiverID == s.UserID {
		return invalid("cannot send a direct message to yourself")
	}
	d.checkAdvisorySender(s, req.SenderID)
	if f := d.validateContent(req.Content); f != nil {
		return f
	}

	setting, err := d.users.GetDMPrivacy(ctx, req.ReceiverID)
	if errors.Is(err, repositories.ErrUserNotFound) {
		return invalid("recipient not found")
	}
	if err != nil {
		return internal("failed to load recipient settings", err)
	}
	decision, err := privacy.Evaluate(ctx, s.UserID, req.ReceiverID, setting, d.users)
	if err != nil {
		return internal("failed to check messaging permissions", err)
	}
	if !decision.Allowed {
		uid := s.UserID
		d.audit.Emit(ctx, "WARN", "direct message denied", s.Info.RequestID, &uid, map[string]any{
			"receiver_id": req.ReceiverID,
			"reason_code": decision.ReasonCode,
		})
		return &failure{code: models.CodeUnauthorized, reason: decision.ReasonCode, msg: decision.Reason}
	}

	msg, err := d.messages.CreateDirectMessage(ctx, s.UserID, req.ReceiverID, req.Content)
	if err != nil {
		return internal("failed to store message", err)
	}
	msg = d.withSender(ctx, msg)

	env, err := models.NewEnvelope(models.EventMessageReceived, msg)
	if err != nil {
		return internal("failed to encode message", err)
	}
	reached, err := d.rooms.Broadcast(models.PersonalRoom(req.ReceiverID), env)
	if err != nil {
		return internal("failed to deliver message", err)
	}
	if _, err := d.rooms.Broadcast(models.PersonalRoom(s.UserID), env); err != nil {
		return internal("failed to deliver message", err)
	}
	observability.IncMessageDispatched(string(models.KindDirect))

	if reached == 0 {
		d.pushAsync(ctx, msg)
	}
	return nil
}

// pushAsync notifies an offline recipient without holding up the sender.
// Failures are logged and dropped: the message is already persisted and
// will show up in history.
func (d *Dispatcher) pushAsync(ctx context.Context, msg models.Message) {
	if d.notifier == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("push notification skipped, dispatcher closed", slog.Int64("message_id", msg.ID))
		return
	}
	d.pending.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.pending.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PushTimeout)
		defer cancel()
		if err := d.notifier.NotifyDirectMessage(pctx, msg); err != nil {
			observability.IncPushFailure()
			d.logger.Warn("push notification dropped",
				slog.Int64("message_id", msg.ID),
				slog.Int64("receiver_id", *msg.ReceiverID),
				slog.Any("error", err))
		}
	}()
}

func (d *Dispatcher) validateContent(content string) *failure {
	if strings.TrimSpace(content) == "" {
		return invalid("message content is empty")
	}
	if n := utf8.RuneCountInString(content); n > d.cfg.MaxContentLength {
		return invalid("message too long (%d > %d characters)", n, d.cfg.MaxContentLength)
	}
	return nil
}

// checkAdvisorySender logs, and otherwise ignores, a client-supplied sender id
// that disagrees with the authenticated one.
func (d *Dispatcher) checkAdvisorySender(s *ws.Session, claimed int64) {
	if claimed != 0 && claimed != s.UserID {
		d.logger.Warn("ignoring spoofed sender id",
			slog.String("session_id", s.ID),
			slog.Int64("user_id", s.UserID),
			slog.Int64("claimed_sender_id", claimed))
	}
}

// withSender resolves display identity. A directory miss only degrades the
// payload, so it is logged and the message goes out without a name.
func (d *Dispatcher) withSender(ctx context.Context, msg models.Message) models.Message {
	u, err := d.users.GetUser(ctx, msg.SenderID)
	if err != nil {
		d.logger.Warn("sender identity unresolved", slog.Int64("sender_id", msg.SenderID), slog.Any("error", err))
		return msg
	}
	return msg.WithSender(u)
}

func (d *Dispatcher) reject(ctx context.Context, s *ws.Session, event string, f *failure) {
	observability.IncDispatchError(string(f.code))
	attrs := []any{
		slog.String("session_id", s.ID),
		slog.Int64("user_id", s.UserID),
		slog.String("event", event),
		slog.String("code", string(f.code)),
		slog.String("message", f.msg),
	}
	if f.reason != "" {
		attrs = append(attrs, slog.String("reason_code", string(f.reason)))
	}
	if f.code == models.CodeServerError {
		d.logger.ErrorContext(ctx, "event failed", append(attrs, slog.Any("error", f.err))...)
	} else {
		d.logger.InfoContext(ctx, "event rejected", attrs...)
	}

	err := s.SendError(models.ErrorPayload{
		Message:    f.msg,
		Code:       f.code,
		ReasonCode: f.reason,
		Event:      event,
	})
	if err != nil {
		d.logger.Warn("could not deliver error event", slog.String("session_id", s.ID), slog.Any("error", err))
	}
}

var _ Rooms = (*ws.Registry)(nil)
