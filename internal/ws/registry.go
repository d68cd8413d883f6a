package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chat-core/internal/models"
	"chat-core/internal/observability"
)

// Registry maps rooms to subscribed sessions and sessions to joined rooms.
// Both directions change under one lock so a session is a member of a room
// exactly when the room is in the session's joined set.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[models.RoomID]map[string]*Session
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:    make(map[models.RoomID]map[string]*Session),
		sessions: make(map[string]*Session),
		logger:   logger.With(slog.String("component", "room_registry")),
	}
}

// Join subscribes s to room. Joining twice is a no-op.
func (r *Registry) Join(s *Session, room models.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[room] = members
	}
	members[s.ID] = s
	s.rooms[room] = struct{}{}
	r.sessions[s.ID] = s
	observability.SetActiveRooms(len(r.rooms))
	r.logger.Debug("session joined room", slog.String("session_id", s.ID), slog.Int64("user_id", s.UserID), slog.String("room", string(room)))
}

// Leave unsubscribes the session from room. Unknown pairs are ignored.
func (r *Registry) Leave(sessionID string, room models.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	r.detach(s, room)
	observability.SetActiveRooms(len(r.rooms))
}

// RemoveSession drops the session from every room it joined. Cost is
// proportional to the session's own rooms.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for room := range s.rooms {
		r.detach(s, room)
	}
	delete(r.sessions, sessionID)
	observability.SetActiveRooms(len(r.rooms))
}

// caller holds r.mu.
func (r *Registry) detach(s *Session, room models.RoomID) {
	if members, ok := r.rooms[room]; ok {
		delete(members, s.ID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(s.rooms, room)
	if len(s.rooms) == 0 {
		delete(r.sessions, s.ID)
	}
}

// Broadcast queues env for every current member of room, the sender's own
// session included. Each session writes on its own goroutine, so a stalled
// peer never delays the others. A session that is already broken or whose
// queue is full is closed and removed; the rest are unaffected. It returns
// the number of sessions the frame was queued for.
func (r *Registry) Broadcast(room models.RoomID, env models.Envelope) (int, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	targets := make([]*Session, 0, len(r.rooms[room]))
	for _, s := range r.rooms[room] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Send(payload); err != nil {
			r.logger.Warn("websocket send failed, dropping session",
				slog.String("session_id", s.ID),
				slog.Int64("user_id", s.UserID),
				slog.String("room", string(room)),
				slog.Any("error", err))
			_ = s.Close()
			r.RemoveSession(s.ID)
			observability.PublishSessionEvent(context.Background(), observability.SessionEvent{
				Name:       "ws_error",
				SessionID:  s.ID,
				UserID:     s.UserID,
				DeviceID:   s.Info.DeviceID,
				IP:         s.Info.IP,
				DurationMS: time.Since(s.Info.ConnectedAt).Milliseconds(),
				Reason:     err.Error(),
			}, s.Info.RequestID, s.Info.TraceID)
			continue
		}
		delivered++
	}
	observability.ObserveFanout(delivered)
	return delivered, nil
}

// IsMember reports whether the session is subscribed to room.
func (r *Registry) IsMember(sessionID string, room models.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][sessionID]
	return ok
}

// MemberCount returns the number of sessions subscribed to room.
func (r *Registry) MemberCount(room models.RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Members returns the sorted session ids subscribed to room.
func (r *Registry) Members(room models.RoomID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// JoinedRooms returns the sorted rooms the session is subscribed to.
func (r *Registry) JoinedRooms(sessionID string) []models.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	rooms := make([]models.RoomID, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
