// Package wsclient is the client side of the signaling websocket.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/jalebi/pkg/protocol"
)

var (
	// ErrIdentityTaken is returned by Dial when the server refuses the
	// identity because another client holds it.
	ErrIdentityTaken = errors.New("identity unavailable")
	// ErrUnreachable is returned by Dial when no websocket could be opened.
	ErrUnreachable = errors.New("signaling server unreachable")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("connection closed")
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Conn represents a WebSocket connection to the signaling server.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	sendChan chan protocol.Envelope
	closing  chan struct{}
	done     chan struct{}
	writeMu  sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// URL returns the websocket URL registering id with the server at serverURL.
// http and https schemes are mapped to ws and wss.
func URL(serverURL, id string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", serverURL)
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"id": {id}}.Encode()
	return u.String(), nil
}

// Dial connects to the server at serverURL and registers id.
func Dial(ctx context.Context, serverURL, id string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wsURL, err := URL(serverURL, id)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusConflict {
				return nil, fmt.Errorf("%w: %s", ErrIdentityTaken, id)
			}
			if len(body) > 0 {
				return nil, fmt.Errorf("%w: websocket upgrade failed (%d): %s", ErrUnreachable, resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("%w: websocket upgrade failed (%d)", ErrUnreachable, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan protocol.Envelope, 64),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// ReadLoop reads envelopes and calls onEnv for each. It returns when the
// connection fails, is closed or ctx is cancelled.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				// Unblocks ReadMessage.
				_ = c.conn.Close()
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		onEnv(env)
	}
}

// Send queues an envelope for writing.
func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendChan <- env:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	}
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case env := <-c.sendChan:
			if err := c.write(env); err != nil {
				c.logger.Warn("websocket write error", "error", err)
				return
			}
		case <-c.closing:
			// Flush what was queued before Close.
			for {
				select {
				case env := <-c.sendChan:
					if err := c.write(env); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) write(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

// Close flushes queued envelopes and closes the connection. It is safe to
// call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		<-c.done
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
		c.writeMu.Unlock()
	})
	return c.closeErr
}
