package fleet

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// Transport is the minimal socket surface a Connection needs. Tests swap in
// an in-memory implementation; production uses a coder/websocket session.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Transport to the platform.
type Dialer func(ctx context.Context, url, origin string) (Transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

// DialWebSocket opens a WebSocket session with the Origin header the
// platform expects.
func DialWebSocket(ctx context.Context, url, origin string) (Transport, error) {
	opts := &websocket.DialOptions{}
	if origin != "" {
		hdr := http.Header{}
		hdr.Set("Origin", origin)
		opts.HTTPHeader = hdr
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
