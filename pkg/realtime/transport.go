package realtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is an open duplex channel. ReadFrame is only called from one
// goroutine and WriteFrame calls are serialized by the Connection, but Close
// may run concurrently with either.
type Socket interface {
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
	Close() error
}

// Dialer opens sockets to a realtime gateway.
type Dialer interface {
	Dial(ctx context.Context, url, protocol string) (Socket, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url, protocol string) (Socket, error)

func (f DialerFunc) Dial(ctx context.Context, url, protocol string) (Socket, error) {
	return f(ctx, url, protocol)
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// WebSocketDialer dials gateways over WebSocket. The protocol passed to Dial
// is offered as the Sec-WebSocket-Protocol subprotocol.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

func (d *WebSocketDialer) Dial(ctx context.Context, url, protocol string) (Socket, error) {
	handshake := d.HandshakeTimeout
	if handshake == 0 {
		handshake = defaultHandshakeTimeout
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = defaultWriteTimeout
	}

	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
	}
	if protocol != "" {
		wd.Subprotocols = []string{protocol}
	}

	ws, resp, err := wd.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dialing %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime: dialing %s: %w", url, err)
	}
	return &wsSocket{ws: ws, writeTimeout: writeTimeout}, nil
}

type wsSocket struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func (s *wsSocket) ReadFrame() (Frame, error) {
	mt, data, err := s.ws.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Binary: mt == websocket.BinaryMessage, Data: data}, nil
}

func (s *wsSocket) WriteFrame(f Frame) error {
	mt := websocket.TextMessage
	if f.Binary {
		mt = websocket.BinaryMessage
	}
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("realtime: set write deadline: %w", err)
	}
	return s.ws.WriteMessage(mt, f.Data)
}

func (s *wsSocket) Close() error {
	return s.ws.Close()
}
