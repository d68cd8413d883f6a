package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"chat-core/internal/auth"
	"chat-core/internal/observability"
)

// EventHandler processes one inbound frame for a session.
type EventHandler interface {
	HandleEvent(ctx context.Context, s *Session, frame []byte)
}

// Options tune the transport layer of each session.
type Options struct {
	IdleTimeout   time.Duration
	PingInterval  time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int64
	SendBuffer    int
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.IdleTimeout {
		o.PingInterval = o.IdleTimeout * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	return o
}

// Handler upgrades authenticated requests and runs one session per
// connection until it closes or goes idle.
type Handler struct {
	registry *Registry
	events   EventHandler
	auth     auth.Authenticator
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	live    map[string]*Session
	closing bool
	serving sync.WaitGroup
}

// NewHandler constructs a Handler.
func NewHandler(registry *Registry, events EventHandler, authenticator auth.Authenticator, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		events:   events,
		auth:     authenticator,
		opts:     opts.withDefaults(),
		logger:   logger.With(slog.String("component", "ws_handler")),
		live:     make(map[string]*Session),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates the connect handshake, upgrades, and blocks serving
// the session.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-core/ws").Start(c.Request.Context(), "ws.handshake")

	userID, err := h.auth.Authenticate(c.Request)
	if err != nil {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	span.SetAttributes(attribute.Int64("user.id", userID))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	info := ConnInfo{
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     observability.TraceIDFromContext(ctx),
		ConnectedAt: time.Now(),
	}
	sess := NewSession(userID, conn, info, SessionConfig{
		WriteTimeout: h.opts.WriteTimeout,
		SendBuffer:   h.opts.SendBuffer,
	})
	span.SetAttributes(attribute.String("session.id", sess.ID))
	span.End()

	if !h.track(sess) {
		closeCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
		sess.CloseGracefully(closeCtx, websocket.CloseGoingAway, "server shutting down")
		cancel()
		return
	}
	defer h.untrack(sess)

	h.serve(ctx, conn, sess)
}

// Shutdown refuses new sessions, sends every live session a going-away close
// frame and waits until their read loops have finished or ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	live := make([]*Session, 0, len(h.live))
	for _, s := range h.live {
		live = append(live, s)
	}
	h.mu.Unlock()

	h.logger.Info("closing live sessions", slog.Int("sessions", len(live)))
	var g errgroup.Group
	for _, s := range live {
		s := s
		g.Go(func() error {
			s.CloseGracefully(ctx, websocket.CloseGoingAway, "server shutting down")
			return nil
		})
	}
	_ = g.Wait()

	finished := make(chan struct{})
	go func() {
		h.serving.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LiveSessions returns the number of sessions currently served.
func (h *Handler) LiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

func (h *Handler) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.serving.Add(1)
	h.live[s.ID] = s
	return true
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	delete(h.live, s.ID)
	h.mu.Unlock()
	h.serving.Done()
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, sess *Session) {
	log := h.logger.With(slog.String("session_id", sess.ID), slog.Int64("user_id", sess.UserID))
	log.Info("session connected", slog.String("ip", sess.Info.IP))
	observability.IncWSActive()
	observability.PublishSessionEvent(ctx, observability.SessionEvent{
		Name:      "ws_connect",
		SessionID: sess.ID,
		UserID:    sess.UserID,
		DeviceID:  sess.Info.DeviceID,
		IP:        sess.Info.IP,
	}, sess.Info.RequestID, sess.Info.TraceID)

	done := make(chan struct{})
	var closeReason string
	defer func() {
		close(done)
		h.registry.RemoveSession(sess.ID)
		_ = sess.Close()
		observability.DecWSActive()
		duration := time.Since(sess.Info.ConnectedAt)
		observability.PublishSessionEvent(context.WithoutCancel(ctx), observability.SessionEvent{
			Name:       "ws_disconnect",
			SessionID:  sess.ID,
			UserID:     sess.UserID,
			DeviceID:   sess.Info.DeviceID,
			IP:         sess.Info.IP,
			DurationMS: duration.Milliseconds(),
			Reason:     closeReason,
		}, sess.Info.RequestID, sess.Info.TraceID)
		log.Info("session disconnected", slog.Duration("duration", duration), slog.String("reason", closeReason))
	}()

	conn.SetReadLimit(h.opts.MaxFrameBytes)
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	go h.pingLoop(sess, done)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.PublishSessionEvent(context.WithoutCancel(ctx), observability.SessionEvent{
					Name:       "ws_error",
					SessionID:  sess.ID,
					UserID:     sess.UserID,
					DeviceID:   sess.Info.DeviceID,
					IP:         sess.Info.IP,
					DurationMS: time.Since(sess.Info.ConnectedAt).Milliseconds(),
					Reason:     closeReason,
				}, sess.Info.RequestID, sess.Info.TraceID)
			}
			return
		}
		sess.Touch()
		extend()
		h.events.HandleEvent(ctx, sess, frame)
	}
}

func (h *Handler) pingLoop(sess *Session, done <-chan struct{}) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-sess.Done():
			return
		case <-ticker.C:
			if err := sess.Ping(); err != nil {
				_ = sess.Close()
				return
			}
		}
	}
}
