package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sheerbytes/jalebi/internal/chunkproto"
)

const eventQueueSize = 64

var _ Conn = (*FramedConn)(nil)

// FramedConn runs chunkproto framing over a reliable ordered byte stream.
type FramedConn struct {
	rwc    io.ReadWriteCloser
	logger *slog.Logger

	events  chan Event
	done    chan struct{}
	writeMu sync.Mutex
	open    atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewFramedConn wraps rwc and starts reading frames from it. The first event
// delivered is EventOpen.
func NewFramedConn(rwc io.ReadWriteCloser, logger *slog.Logger) *FramedConn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &FramedConn{
		rwc:    rwc,
		logger: logger,
		events: make(chan Event, eventQueueSize),
		done:   make(chan struct{}),
	}
	c.open.Store(true)
	c.events <- Event{Kind: EventOpen}
	go c.readLoop()
	return c
}

func (c *FramedConn) readLoop() {
	defer close(c.events)
	for {
		m, err := chunkproto.ReadMessage(c.rwc)
		if err != nil {
			wasOpen := c.open.Swap(false)
			if wasOpen && !isCleanClose(err) {
				c.logger.Warn("peer link read failed", "error", err)
				c.emit(Event{Kind: EventError, Err: err})
			}
			c.emit(Event{Kind: EventClose})
			_ = c.rwc.Close()
			return
		}
		c.emit(Event{Kind: EventData, Message: m})
	}
}

func (c *FramedConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Send writes m as one frame. Concurrent callers are serialized.
func (c *FramedConn) Send(m chunkproto.Message) error {
	if !c.open.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := chunkproto.WriteMessage(c.rwc, m); err != nil {
		if !c.open.Load() || isCleanClose(err) {
			return ErrClosed
		}
		return fmt.Errorf("send %s: %w", m.Kind, err)
	}
	return nil
}

// Events returns the event queue.
func (c *FramedConn) Events() <-chan Event {
	return c.events
}

// IsOpen reports whether the link is still usable.
func (c *FramedConn) IsOpen() bool {
	return c.open.Load()
}

// Close closes the underlying stream.
func (c *FramedConn) Close() error {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

func isCleanClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed")
}
