package conn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"murmur-chat/client-core/pkg/models"
)

const (
	wsReadLimit   = 32 * 1024 * 1024
	wsWriteWait   = 10 * time.Second
	wsHandshake   = 15 * time.Second
	wsMessageType = websocket.BinaryMessage
)

// WebsocketTransport dials the relay's duplex endpoint with the bearer
// credential in the handshake.
type WebsocketTransport struct {
	Dialer *websocket.Dialer
}

func NewWebsocketTransport() *WebsocketTransport {
	return &WebsocketTransport{
		Dialer: &websocket.Dialer{
			HandshakeTimeout: wsHandshake,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

func (t *WebsocketTransport) Dial(ctx context.Context, endpoint, credential string) (Channel, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}
	ws, resp, err := t.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: relay handshake: %s", models.ErrAuth, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", models.ErrNetwork, endpoint, err)
	}
	ws.SetReadLimit(wsReadLimit)
	return &wsChannel{ws: ws}, nil
}

// wsChannel serializes writes: frames come from request submitters, the
// heartbeat loop and the pong responder concurrently.
type wsChannel struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsChannel) ReadFrame() (Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", models.ErrConnectionLost, err)
	}
	return DecodeFrame(data)
}

func (c *wsChannel) WriteFrame(f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.ws.WriteMessage(wsMessageType, data); err != nil {
		return fmt.Errorf("%w: %v", models.ErrConnectionLost, err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	return c.ws.Close()
}
