package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pingWait  = 5 * time.Second
	// MaxMessageSize bounds a single control message; base64 bodies up to 10 MiB fit.
	MaxMessageSize = 16 << 20
)

// ErrMalformed marks a control frame that could not be decoded. The frame is
// lost but the connection remains usable.
var ErrMalformed = errors.New("malformed message")

// ErrTooLarge is returned by Send for a message the peer would refuse to
// read. Nothing is written, so the connection stays usable.
var ErrTooLarge = errors.New("message too large")

// Conn is a control channel over a websocket. Send is safe for concurrent use;
// Read must only be called from one goroutine.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	maxSize int
}

func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(MaxMessageSize)
	return &Conn{ws: ws, maxSize: MaxMessageSize}
}

func (c *Conn) Send(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	if len(b) > c.maxSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, m.Kind, len(b))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) Read() (Message, error) {
	_, b, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Kind == "" {
		return Message{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	return m, nil
}

func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWait))
}

// OnPong registers fn to run whenever a pong arrives. Pongs are only
// processed while Read is being called.
func (c *Conn) OnPong(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// Close sends a close frame with code and reason, then drops the connection.
func (c *Conn) Close(code int, reason string) error {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	return c.ws.Close()
}
