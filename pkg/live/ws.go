package live

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// StatusAuthFailed is the close code the server uses for a rejected credential.
const StatusAuthFailed websocket.StatusCode = 4401

const readLimitBytes int64 = 1 << 20 // 1 MiB

// Socket is one established push connection.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a Socket authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Socket, error)
}

// WebsocketDialer dials the push endpoint and sends the auth handshake frame.
type WebsocketDialer struct {
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url, token string) (Socket, error) {
	conn, res, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
			return nil, &ChannelError{Kind: KindAuth, Err: err}
		}
		return nil, &ChannelError{Kind: KindTransport, Err: err}
	}
	conn.SetReadLimit(readLimitBytes)

	if err := wsjson.Write(ctx, conn, handshake{Auth: handshakeAuth{Token: token}}); err != nil {
		_ = conn.CloseNow()
		return nil, classifyReadErr(err)
	}
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, classifyReadErr(err)
	}
	return data, nil
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func classifyReadErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch websocket.CloseStatus(err) {
	case StatusAuthFailed, websocket.StatusPolicyViolation:
		return &ChannelError{Kind: KindAuth, Err: err}
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return &ChannelError{Kind: KindServerDisconnect, Err: err}
	}
	return &ChannelError{Kind: KindTransport, Err: err}
}
