// Package transport owns the raw persistent connection to the backend: it
// dials, pumps inbound text frames in delivery order, writes outbound frames
// and classifies how the connection ended.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tradedesk-sync/internal/common"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Send once the connection is closed.
var ErrClosed = errors.New("transport: connection closed")

// CloseInfo describes how a connection ended. Clean closes are user initiated
// or a normal/going-away close frame from the server.
type CloseInfo struct {
	Clean bool
	Code  int
	Err   error
}

// Handler receives the events of one connection. OnFrame is called from a
// single goroutine in delivery order; OnClose is called exactly once, after
// the last OnFrame.
type Handler struct {
	OnFrame func(data []byte)
	OnClose func(info CloseInfo)
}

// Conn is a live connection.
type Conn interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens connections. The handler may start receiving frames before
// Dial returns; it is never called when Dial fails.
type Dialer interface {
	Dial(ctx context.Context, url string, h Handler) (Conn, error)
}

// WSDialer dials WebSocket endpoints with gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	Header           http.Header
}

func NewWSDialer() *WSDialer {
	return &WSDialer{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        512 * 1024, // 512KB max message size
	}
}

func (d *WSDialer) Dial(ctx context.Context, url string, h Handler) (Conn, error) {
	log.Info().Str("url", url).Msg("Establishing WebSocket connection")

	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	ws.SetReadLimit(d.ReadLimit)

	c := &wsConn{ws: ws, writeTimeout: d.WriteTimeout, handler: h}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	handler      Handler

	writeMu sync.Mutex

	mu        sync.Mutex
	closing   bool
	closeCode int
	closeOnce sync.Once
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message failed: %w", err)
	}
	return nil
}

// Close sends a close frame and tears the socket down. The resulting OnClose
// reports a clean close.
func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.closeCode = code
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debug().Err(err).Msg("failed to send close frame")
	}
	return c.ws.Close()
}

func (c *wsConn) readLoop() {
	defer log.Debug().Msg("WebSocket read loop stopped")

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(c.classify(err))
			return
		}
		if c.handler.OnFrame != nil {
			c.handler.OnFrame(msg)
		}
	}
}

func (c *wsConn) classify(err error) CloseInfo {
	c.mu.Lock()
	byUs, code := c.closing, c.closeCode
	c.mu.Unlock()
	if byUs {
		return CloseInfo{Clean: true, Code: code}
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		clean := closeErr.Code == common.CloseNormal || closeErr.Code == common.CloseGoingAway
		if clean {
			log.Info().Int("code", closeErr.Code).Str("text", closeErr.Text).Msg("WebSocket connection closed normally")
		} else {
			log.Warn().Int("code", closeErr.Code).Str("text", closeErr.Text).Msg("WebSocket connection closed by server")
		}
		return CloseInfo{Clean: clean, Code: closeErr.Code, Err: err}
	}

	log.Warn().Err(err).Msg("WebSocket connection lost")
	return CloseInfo{Code: websocket.CloseAbnormalClosure, Err: fmt.Errorf("read message failed: %w", err)}
}

func (c *wsConn) finish(info CloseInfo) {
	c.closeOnce.Do(func() {
		c.ws.Close()
		if c.handler.OnClose != nil {
			c.handler.OnClose(info)
		}
	})
}
