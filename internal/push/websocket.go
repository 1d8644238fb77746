package push

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readLimit    = 1024 * 1024
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
)

// WebsocketDialer opens gorilla websocket transports.
type WebsocketDialer struct {
	Header http.Header
}

// Dial performs the websocket handshake against addr.
func (d *WebsocketDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, addr, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err == nil {
		t.conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
