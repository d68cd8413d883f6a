package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Event names carried in Envelope.Event.
const (
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventJoinPersonal    = "join_personal"
	EventNewMessage      = "new_message"
	EventSendDM          = "send_dm"
	EventMessageReceived = "message_received"
	EventError           = "error"
)

// ErrorCode classifies failures reported to a sender.
type ErrorCode string

const (
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	CodeServerError     ErrorCode = "SERVER_ERROR"
	CodeNotConnected    ErrorCode = "NOT_CONNECTED"
	CodeValidationError ErrorCode = "VALIDATION_ERROR"
)

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event string, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Data = raw
	return env, nil
}

// RoomMessageRequest is the new_message payload. SenderID is advisory.
type RoomMessageRequest struct {
	RoomID   int64  `json:"roomId"`
	Content  string `json:"content"`
	SenderID int64  `json:"senderId,omitempty"`
}

// DirectMessageRequest is the send_dm payload. SenderID is advisory.
type DirectMessageRequest struct {
	SenderID   int64  `json:"senderId,omitempty"`
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

// ErrorPayload is sent to the originating session only.
type ErrorPayload struct {
	Message    string     `json:"message"`
	Code       ErrorCode  `json:"code"`
	ReasonCode ReasonCode `json:"reasonCode,omitempty"`
	Event      string     `json:"event,omitempty"`
}

// ParseRoomID accepts a room id encoded as a JSON number or numeric string.
func ParseRoomID(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("room id must be a number")
		}
		n = json.Number(s)
	}
	id, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid room id %q", n.String())
	}
	return id, nil
}
