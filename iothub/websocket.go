package iothub

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPath is the hub endpoint carrying MQTT and AMQP over websockets.
const WebSocketPath = "/$iothub/websocket"

// ConnDialer opens the byte stream a protocol session runs on. *net.Dialer, *tls.Dialer and
// *WebSocketDialer all satisfy it.
type ConnDialer interface {
	DialContext(ctx context.Context, network string, address string) (net.Conn, error)
}

// WebSocketDialer opens websocket connections and presents them as net.Conn streams of binary
// frames.
type WebSocketDialer struct {
	Subprotocol      string
	TLSConfig        *tls.Config
	Proxy            func(*http.Request) (*url.URL, error)
	HandshakeTimeout time.Duration
	Header           http.Header
	Path             string
	// Scheme defaults to "wss".
	Scheme string
}

// DialContext performs the websocket handshake against address.
func (dialer *WebSocketDialer) DialContext(ctx context.Context, network string, address string) (net.Conn, error) {
	scheme := dialer.Scheme
	if scheme == "" {
		scheme = "wss"
	}
	path := dialer.Path
	if path == "" {
		path = WebSocketPath
	}
	target := url.URL{Scheme: scheme, Host: address, Path: path}

	wsDialer := websocket.Dialer{
		Proxy:            dialer.Proxy,
		TLSClientConfig:  dialer.TLSConfig,
		HandshakeTimeout: dialer.HandshakeTimeout,
	}
	if wsDialer.Proxy == nil {
		wsDialer.Proxy = http.ProxyFromEnvironment
	}
	if dialer.Subprotocol != "" {
		wsDialer.Subprotocols = []string{dialer.Subprotocol}
	}

	conn, response, err := wsDialer.DialContext(ctx, target.String(), dialer.Header)
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			return nil, statusCodeToError(response.StatusCode, "websocket handshake failed: "+err.Error())
		}
		return nil, err
	}
	return newWebSocketConn(conn), nil
}

// webSocketConn is a websocket connection which satisfies the net.Conn interface.
type webSocketConn struct {
	conn      *websocket.Conn
	readLock  sync.Mutex
	reader    io.Reader
	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWebSocketConn(conn *websocket.Conn) *webSocketConn {
	return &webSocketConn{conn: conn}
}

// Read reads from the current binary frame, moving to the next frame when it is exhausted.
func (ws *webSocketConn) Read(buffer []byte) (int, error) {
	ws.readLock.Lock()
	defer ws.readLock.Unlock()
	for {
		if ws.reader == nil {
			messageType, reader, err := ws.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				return 0, NewError(ProtocolError, "unexpected non-binary websocket frame")
			}
			ws.reader = reader
		}
		count, err := ws.reader.Read(buffer)
		if err == io.EOF {
			ws.reader = nil
			if count > 0 {
				return count, nil
			}
			continue
		}
		return count, err
	}
}

// Write sends buffer as one binary frame.
func (ws *webSocketConn) Write(buffer []byte) (int, error) {
	ws.writeLock.Lock()
	defer ws.writeLock.Unlock()
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, buffer); err != nil {
		return 0, err
	}
	return len(buffer), nil
}

// Close sends a close frame and closes the underlying connection.
func (ws *webSocketConn) Close() error {
	ws.closeOnce.Do(func() {
		ws.writeLock.Lock()
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		ws.writeLock.Unlock()
		ws.closeErr = ws.conn.Close()
	})
	return ws.closeErr
}

func (ws *webSocketConn) LocalAddr() net.Addr {
	return ws.conn.LocalAddr()
}

func (ws *webSocketConn) RemoteAddr() net.Addr {
	return ws.conn.RemoteAddr()
}

func (ws *webSocketConn) SetDeadline(deadline time.Time) error {
	if err := ws.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	return ws.conn.SetWriteDeadline(deadline)
}

func (ws *webSocketConn) SetReadDeadline(deadline time.Time) error {
	return ws.conn.SetReadDeadline(deadline)
}

func (ws *webSocketConn) SetWriteDeadline(deadline time.Time) error {
	return ws.conn.SetWriteDeadline(deadline)
}
