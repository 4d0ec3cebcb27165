package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"seqfabric/internal/wire"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 20 * time.Second
	wsPongWait     = 2 * wsPingInterval
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSChannel carries one wire.Frame per websocket binary message. Reading and writing each run
// on their own goroutine (the pattern the rest of the fabric's host process uses for its
// client-facing sockets), feeding buffered Go channels that Send/Recv block on.
type WSChannel struct {
	conn *websocket.Conn

	outbound chan wire.Frame
	inbound  chan wire.Frame
	done     chan struct{}
}

// NewWSChannel wraps an already-upgraded connection and starts its read/write pumps.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	c := &WSChannel{
		conn:     conn,
		outbound: make(chan wire.Frame, 64),
		inbound:  make(chan wire.Frame, 64),
		done:     make(chan struct{}),
	}
	conn.SetReadLimit(1 << 24)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go c.readPump()
	go c.writePump()
	return c
}

// Upgrade promotes an HTTP request to a websocket connection and wraps it in a channel.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WSChannel, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWSChannel(conn), nil
}

// DialWS connects to a fabric listening for websocket clients at url (ws:// or wss://).
func DialWS(ctx context.Context, url string) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWSChannel(conn), nil
}

func (c *WSChannel) readPump() {
	defer close(c.inbound)
	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		frame, consumed, err := wire.Decode(raw)
		if err != nil || consumed != len(raw) {
			return
		}
		select {
		case c.inbound <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *WSChannel) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-c.outbound:
			if !ok {
				return
			}
			encoded, err := wire.Encode(f)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSChannel) Send(ctx context.Context, f wire.Frame) error {
	select {
	case c.outbound <- f:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WSChannel) Recv(ctx context.Context) (wire.Frame, error) {
	select {
	case f, ok := <-c.inbound:
		if !ok {
			return wire.Frame{}, ErrClosed
		}
		return f, nil
	case <-c.done:
		return wire.Frame{}, ErrClosed
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

func (c *WSChannel) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.conn.Close()
}
