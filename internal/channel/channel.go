// Package channel is the client side of the meeting signaling
// websocket: one connection per Channel, typed event dispatch, and
// explicit connect/disconnect lifecycle.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iglu-video/iglu/internal/signal"
)

// ErrNotConnected is returned by Send before Connect or after
// Disconnect.
var ErrNotConnected = errors.New("channel: not connected")

// ErrAlreadyConnected is returned by a second Connect on the same
// Channel.
var ErrAlreadyConnected = errors.New("channel: already connected")

// ConnectionError wraps a websocket dial failure. There is no automatic
// retry; reconnecting is the caller's decision.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("channel: connecting to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 54 * time.Second
	maxFrameBytes  = 64 << 10
	sendQueueDepth = 32
)

// Handler consumes one inbound event. Handlers run on the read pump
// goroutine, in arrival order.
type Handler func(env signal.Envelope)

// Channel is a single-use signaling connection. Register handlers with
// On before Connect; events with no handler are logged and dropped.
type Channel struct {
	url    string
	logger *slog.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	sendQueue chan []byte
	connected bool
	closed    bool

	handlers map[signal.Event][]Handler

	// onClosed fires once when the connection dies, whether by
	// Disconnect or a transport failure. The error is nil for a local
	// Disconnect.
	onClosed  func(err error)
	closeOnce sync.Once

	pumps sync.WaitGroup
}

// New creates a channel for the given websocket URL.
func New(url string, logger *slog.Logger, onClosed func(err error)) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		url:      url,
		logger:   logger,
		dialer:   websocket.DefaultDialer,
		handlers: make(map[signal.Event][]Handler),
		onClosed: onClosed,
	}
}

// On registers a handler for event. It must be called before Connect.
func (c *Channel) On(event signal.Event, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// Connect dials the signaling endpoint and starts the read and write
// pumps. A Channel connects at most once; create a new Channel to
// rejoin.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.closed {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return &ConnectionError{URL: c.url, Err: err}
	}

	c.mu.Lock()
	if c.connected || c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyConnected
	}
	c.conn = conn
	c.sendQueue = make(chan []byte, sendQueueDepth)
	c.connected = true
	c.mu.Unlock()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.pumps.Add(2)
	go c.readPump(conn)
	go c.writePump(conn)

	c.logger.Debug("signaling connected", "url", c.url)
	return nil
}

// Send marshals and queues an outbound event.
func (c *Channel) Send(event signal.Event, payload any) (err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	queue := c.sendQueue
	c.mu.Unlock()

	frame, err := signal.Marshal(event, payload)
	if err != nil {
		return err
	}

	// shutdown closes the queue without holding the mutex across the
	// close; a Send that passed the connected check may lose that race.
	defer func() {
		if recover() != nil {
			err = ErrNotConnected
		}
	}()

	select {
	case queue <- frame:
		return nil
	default:
		return errors.New("channel: send queue full")
	}
}

// Disconnect sends a close frame and tears the connection down. It is
// idempotent and safe to call before Connect.
func (c *Channel) Disconnect() {
	c.shutdown(nil)
	c.pumps.Wait()
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		queue := c.sendQueue
		c.connected = false
		c.closed = true
		c.mu.Unlock()

		if queue != nil {
			close(queue)
		}
		if conn != nil {
			deadline := time.Now().Add(writeWait)
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				deadline,
			)
			_ = conn.Close()
		}
		if c.onClosed != nil {
			// Own goroutine: the callback may call Disconnect, which
			// waits for the pump that triggered this shutdown.
			go c.onClosed(cause)
		}
	})
}

func (c *Channel) readPump(conn *websocket.Conn) {
	defer c.pumps.Done()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(nil)
			} else {
				c.shutdown(err)
			}
			return
		}

		env, err := signal.ParseEnvelope(frame)
		if err != nil {
			c.logger.Warn("dropping malformed signaling frame", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env signal.Envelope) {
	c.mu.Lock()
	handlers := c.handlers[env.Event]
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Debug("no handler for event", "event", string(env.Event))
		return
	}
	for _, h := range handlers {
		h(env)
	}
}

func (c *Channel) writePump(conn *websocket.Conn) {
	defer c.pumps.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	c.mu.Lock()
	queue := c.sendQueue
	c.mu.Unlock()

	for {
		select {
		case frame, ok := <-queue:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}
