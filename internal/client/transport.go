package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-core/internal/models"
)

// Transport is one established bidirectional event stream.
type Transport interface {
	Send(env models.Envelope) error
	// Receive blocks until the next frame arrives or the stream fails.
	Receive() (models.Envelope, error)
	Close() error
}

// Dialer opens a Transport authenticated as userID.
type Dialer interface {
	Dial(ctx context.Context, userID int64) (Transport, error)
}

// WebSocketDialer connects to the server's /ws endpoint. With a Token the
// handshake carries a bearer token; without one it carries the user id
// directly, which only a server running without a JWT secret accepts.
type WebSocketDialer struct {
	URL          string
	Token        string
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context, userID int64) (Transport, error) {
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	} else {
		header.Set("X-User-ID", strconv.FormatInt(userID, 10))
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &wsTransport{conn: conn, writeTimeout: timeout}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (t *wsTransport) Send(env models.Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) Receive() (models.Envelope, error) {
	var env models.Envelope
	err := t.conn.ReadJSON(&env)
	return env, err
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return t.conn.Close()
}
