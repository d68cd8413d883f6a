package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-core/internal/models"
)

var (
	ErrSessionClosed = errors.New("ws: session closed")
	// ErrSendQueueFull means the peer is not draining its frames fast enough.
	ErrSendQueueFull = errors.New("ws: send queue full")
)

const defaultSendBuffer = 256

// Conn is the write side of a websocket connection. *websocket.Conn
// satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnInfo carries handshake metadata used for logs and lifecycle events.
type ConnInfo struct {
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// SessionConfig tunes the outbound side of a session.
type SessionConfig struct {
	WriteTimeout time.Duration
	// SendBuffer bounds frames queued for the writer goroutine.
	SendBuffer int
}

type frame struct {
	kind    int
	payload []byte
	// flushed marks a Flush barrier instead of a frame to write.
	flushed chan struct{}
}

// Session is the server-side record of one authenticated live connection.
// UserID is fixed at handshake. Outbound frames go through a bounded queue
// drained by a single writer goroutine, so callers never block on the peer.
type Session struct {
	ID     string
	UserID int64
	Info   ConnInfo

	conn         Conn
	writeTimeout time.Duration
	queue        chan frame
	done         chan struct{}
	closeOnce    sync.Once
	lastActivity atomic.Int64

	// rooms is the session side of the membership mapping, guarded by the
	// owning Registry's mutex.
	rooms map[models.RoomID]struct{}
}

// NewSession creates a session with a fresh id and starts its writer.
func NewSession(userID int64, conn Conn, info ConnInfo, cfg SessionConfig) *Session {
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Info:         info,
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		queue:        make(chan frame, cfg.SendBuffer),
		done:         make(chan struct{}),
		rooms:        make(map[models.RoomID]struct{}),
	}
	s.Touch()
	go s.writeLoop()
	return s
}

// Touch records inbound activity.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivityAt returns the time of the last inbound event.
func (s *Session) LastActivityAt() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send queues one text frame without waiting for the peer.
func (s *Session) Send(payload []byte) error {
	return s.enqueue(frame{kind: websocket.TextMessage, payload: payload})
}

// SendEnvelope marshals env and queues it.
func (s *Session) SendEnvelope(env models.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.Send(payload)
}

// SendError reports a failure to this session only.
func (s *Session) SendError(p models.ErrorPayload) error {
	env, err := models.NewEnvelope(models.EventError, p)
	if err != nil {
		return err
	}
	return s.SendEnvelope(env)
}

// Ping queues a websocket ping control frame.
func (s *Session) Ping() error {
	return s.enqueue(frame{kind: websocket.PingMessage})
}

// Flush blocks until every frame queued before the call has been written.
func (s *Session) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	select {
	case s.queue <- frame{flushed: marker}:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-marker:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseGracefully writes a close frame with code and reason, waiting at most
// until ctx is done for queued frames to drain, then closes the connection.
func (s *Session) CloseGracefully(ctx context.Context, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.enqueue(frame{kind: websocket.CloseMessage, payload: msg}); err == nil {
		_ = s.Flush(ctx)
	}
	_ = s.Close()
}

// Close closes the underlying connection once. Frames still queued are
// dropped.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) enqueue(f frame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.queue <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.queue:
			if f.flushed != nil {
				close(f.flushed)
				continue
			}
			if err := s.write(f.kind, f.payload); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}

func (s *Session) write(messageType int, payload []byte) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(messageType, payload)
}
