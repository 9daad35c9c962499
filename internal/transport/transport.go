// Package transport provides the duplex text-message channel between a
// worker and the coordinator: a WebSocket upgraded from GET
// /attach/{identity}, and an in-memory pipe with the same contract for
// tests.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send and Recv once the channel has been torn down.
var ErrClosed = errors.New("transport closed")

// AttachPrefix is the path under which workers attach.
const AttachPrefix = "/attach/"

// writeTimeout bounds a single frame write so a wedged peer cannot block the
// sender forever.
const writeTimeout = 10 * time.Second

// Conn is an established duplex text channel.
//
// Send may be called from multiple goroutines. Recv must be called from one
// goroutine at a time; it returns an error once the stream has ended, which
// is the end-of-stream signal. Close destroys the channel, unblocks Recv and
// is safe to call more than once.
type Conn interface {
	Send(text string) error
	Recv() (string, error)
	Close() error
	ID() string
	RemoteAddr() string
}

// AttachURL builds the WebSocket URL a worker dials to attach as identity.
func AttachURL(host string, port int, identity string) string {
	u := url.URL{
		Scheme: "ws",
		Host:   host + ":" + strconv.Itoa(port),
		Path:   AttachPrefix + identity,
	}
	return u.String()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Workers are not browsers; there is no origin to check.
	CheckOrigin: func(*http.Request) bool { return true },
}

// IsUpgrade reports whether r asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Accept upgrades an inbound attach request. On failure the upgrader has
// already written an HTTP error response.
func Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading %s: %w", r.RemoteAddr, err)
	}
	return newWSConn(ws), nil
}

// Dial connects to rawURL and performs the upgrade handshake.
func Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("attach %s: server did not upgrade (%s): %w", rawURL, resp.Status, err)
		}
		return nil, fmt.Errorf("attach %s: %w", rawURL, err)
	}
	return newWSConn(ws), nil
}

type wsConn struct {
	ws        *websocket.Conn
	id        string
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, id: uuid.NewString()}
}

func (c *wsConn) Send(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConn) Recv() (string, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		if kind == websocket.TextMessage {
			return string(data), nil
		}
		// Binary frames are not part of the protocol; skip them.
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }
