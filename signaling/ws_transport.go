package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// handshakeDeadline bounds a single WSTransport dial, spec §4.2's "5 s
// handshake deadline" per reconnect attempt.
const handshakeDeadline = 5 * time.Second

// WSTransport is the reference Transport: a gorilla/websocket client
// connection to the signaling endpoint.
type WSTransport struct {
	conn   *websocket.Conn
	inbox  chan []byte
	closed chan struct{}
}

// DialWS opens a WSTransport to url, used as the default signaling.Dialer.
func DialWS(endpoint string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		dialCtx, cancel := context.WithTimeout(ctx, handshakeDeadline)
		defer cancel()

		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("signaling dial %s: %w", endpoint, err)
		}

		t := &WSTransport{
			conn:   conn,
			inbox:  make(chan []byte, 64),
			closed: make(chan struct{}),
		}
		go t.readLoop()
		return t, nil
	}
}

func (t *WSTransport) readLoop() {
	defer close(t.closed)
	defer close(t.inbox)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case t.inbox <- data:
		case <-t.closed:
			return
		}
	}
}

func (t *WSTransport) Send(ctx context.Context, data []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeDeadline)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("signaling set write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling send: %w", err)
	}
	return nil
}

func (t *WSTransport) Receive() <-chan []byte {
	return t.inbox
}

func (t *WSTransport) Closed() <-chan struct{} {
	return t.closed
}

func (t *WSTransport) Close() error {
	return t.conn.Close()
}
