package assist

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Conn is the slice of the websocket connection the session machine
// needs. *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a connection to the upstream transcript feed.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the upstream feed over a real websocket.
type WebsocketDialer struct {
	// Header is sent with the handshake, typically for auth.
	Header http.Header
}

func (d *WebsocketDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}
