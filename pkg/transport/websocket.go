// ABOUTME: WebSocket transport for links that must cross HTTP infrastructure
// ABOUTME: One binary message per encoded packet; message boundaries replace the length prefix
package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loopstream/loopstream-go/pkg/protocol"
)

// WebSocketPath is the HTTP path the server upgrades on
const WebSocketPath = "/loopstream"

const writeDeadline = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow non-browser clients (no Origin header)
		if origin := r.Header.Get("Origin"); origin != "" {
			log.Printf("Warning: accepting WebSocket from origin: %s", origin)
		}
		return true
	},
}

// WebSocket frames packets as binary WebSocket messages
type WebSocket struct {
	conn   *websocket.Conn
	sendMu sync.Mutex
	buf    []byte
}

// NewWebSocket wraps an established WebSocket connection
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// DialWebSocket connects to ws://addr/loopstream
func DialWebSocket(ctx context.Context, addr string) (*WebSocket, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: WebSocketPath}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	return NewWebSocket(conn), nil
}

// Upgrade accepts a WebSocket connection on an HTTP request
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return NewWebSocket(conn), nil
}

// Send writes p as one binary message
func (ws *WebSocket) Send(p protocol.Packet) error {
	ws.sendMu.Lock()
	defer ws.sendMu.Unlock()

	var err error
	ws.buf, err = protocol.Append(ws.buf[:0], p)
	if err != nil {
		return err
	}

	ws.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return ws.conn.WriteMessage(websocket.BinaryMessage, ws.buf)
}

// Recv returns the next binary message decoded as a packet. Text messages
// are skipped.
func (ws *WebSocket) Recv() (protocol.Packet, net.Addr, error) {
	for {
		messageType, data, err := ws.conn.ReadMessage()
		if err != nil {
			return nil, ws.conn.RemoteAddr(), err
		}

		if messageType != websocket.BinaryMessage {
			log.Printf("Ignoring non-binary WebSocket message type: %d", messageType)
			continue
		}

		p, err := protocol.Unmarshal(data)
		return p, ws.conn.RemoteAddr(), err
	}
}

// Close sends a close frame and closes the connection
func (ws *WebSocket) Close() error {
	ws.sendMu.Lock()
	ws.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ws.sendMu.Unlock()
	return ws.conn.Close()
}
