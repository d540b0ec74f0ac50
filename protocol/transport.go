package protocol

import (
	"context"

	"github.com/gorilla/websocket"
)

// Transport is the minimal full-duplex message stream run_protocol needs.
// Production code implements it over *websocket.Conn; tests implement it
// over an in-process pipe.
type Transport interface {
	Send(ctx context.Context, text string) error
	Recv(ctx context.Context) (string, bool, error)
	Close() error
}

// WSTransport adapts a gorilla/websocket connection to Transport, treating
// every frame as UTF-8 text per spec.
type WSTransport struct {
	Conn *websocket.Conn
}

func (w *WSTransport) Send(ctx context.Context, text string) error {
	return w.Conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Recv returns the next text frame, ok=false if the connection closed
// cleanly, or an error for anything else (including a non-text frame,
// which the caller treats as a protocol violation).
func (w *WSTransport) Recv(ctx context.Context) (string, bool, error) {
	kind, data, err := w.Conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return "", false, nil
		}
		return "", false, err
	}
	if kind != websocket.TextMessage {
		return "", false, newErr(ErrIncorrectMessageType, nil)
	}
	return string(data), true, nil
}

func (w *WSTransport) Close() error { return w.Conn.Close() }
