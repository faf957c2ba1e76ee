// Package websocket provides the streaming transport used by exchange
// clients: a topic-based connector over gorilla/websocket with heartbeat
// pings and dial retries.
//
// The connector deliberately does not reconnect on its own. Connection loss
// is reported once through Done(); the subscription layer above owns the
// reconnect state machine and its backoff policy, so a second retry loop at
// the transport level would compound delays and duplicate subscriptions.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"

	"github.com/veiloq/market-ingest/pkg/exchanges"
	"github.com/veiloq/market-ingest/pkg/logging"
)

// MessageHandler receives the raw payload of every message on a topic.
type MessageHandler func(message []byte)

// Config holds connector settings.
type Config struct {
	// URL is the WebSocket endpoint.
	URL string

	// HeartbeatInterval is the ping cadence. The read deadline is three
	// heartbeat intervals.
	HeartbeatInterval time.Duration

	// DialRetries and DialRetryDelay govern the initial connection attempt.
	DialRetries    uint
	DialRetryDelay time.Duration

	// SubscribeMessage builds the control message sent when a topic is
	// subscribed. Nil means no control message (useful for tests and for
	// servers that push unconditionally).
	SubscribeMessage func(topic string) interface{}

	// UnsubscribeMessage builds the control message sent when a topic is
	// unsubscribed. Nil means none.
	UnsubscribeMessage func(topic string) interface{}

	// Logger for connection diagnostics.
	Logger logging.Logger
}

// Connector is a topic-dispatching WebSocket connection.
type Connector struct {
	config Config
	logger logging.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]MessageHandler

	mu        sync.Mutex
	connected bool
	closed    bool
	done      chan struct{}
	err       error
}

// New creates a connector. Connect must be called before use.
func New(config Config) *Connector {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 20 * time.Second
	}
	if config.DialRetries == 0 {
		config.DialRetries = 3
	}
	if config.DialRetryDelay <= 0 {
		config.DialRetryDelay = time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &Connector{
		config:   config,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
		done:     make(chan struct{}),
	}
}

// Connect dials the endpoint, retrying transient dial failures, and starts
// the read and heartbeat loops.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.closed {
		c.mu.Unlock()
		if c.closed {
			return fmt.Errorf("connector already closed")
		}
		return nil
	}
	c.mu.Unlock()

	var conn *websocket.Conn
	err := retry.Do(
		func() error {
			dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
			dialed, _, err := dialer.DialContext(ctx, c.config.URL, nil)
			if err != nil {
				return exchanges.NewNetworkError("websocket dial", err)
			}
			conn = dialed
			return nil
		},
		retry.Attempts(c.config.DialRetries),
		retry.Delay(c.config.DialRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("websocket dial attempt failed",
				logging.Int("attempt", int(n+1)),
				logging.String("url", c.config.URL),
				logging.Error(err))
		}),
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()
	go c.heartbeat()

	c.logger.Info("websocket connected", logging.String("url", c.config.URL))
	return nil
}

// Subscribe registers a handler for a topic and sends the subscribe control
// message when one is configured.
func (c *Connector) Subscribe(topic string, handler MessageHandler) error {
	if !c.IsConnected() {
		return exchanges.NewNetworkError("subscribe", fmt.Errorf("websocket not connected"))
	}

	c.handlersMu.Lock()
	c.handlers[topic] = handler
	c.handlersMu.Unlock()

	if c.config.SubscribeMessage != nil {
		if err := c.Send(c.config.SubscribeMessage(topic)); err != nil {
			c.handlersMu.Lock()
			delete(c.handlers, topic)
			c.handlersMu.Unlock()
			return err
		}
	}
	return nil
}

// Unsubscribe removes a topic handler and sends the unsubscribe control
// message when one is configured.
func (c *Connector) Unsubscribe(topic string) error {
	c.handlersMu.Lock()
	delete(c.handlers, topic)
	c.handlersMu.Unlock()

	if c.config.UnsubscribeMessage != nil && c.IsConnected() {
		return c.Send(c.config.UnsubscribeMessage(topic))
	}
	return nil
}

// Send marshals message to JSON (unless it is already a []byte) and writes it
// as a text frame.
func (c *Connector) Send(message interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.IsConnected() {
		return exchanges.NewNetworkError("send", fmt.Errorf("websocket not connected"))
	}

	data, ok := message.([]byte)
	if !ok {
		var err error
		data, err = json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// IsConnected reports whether the connection is live.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Done is closed when the connection terminates. Err distinguishes transport
// failure from a clean Close.
func (c *Connector) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal transport error, or nil after a clean Close.
// Only meaningful once Done is closed.
func (c *Connector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close terminates the connection. Safe to call more than once.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed connection"))
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

// fail records a terminal transport error and closes Done exactly once.
func (c *Connector) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	c.err = err
	conn := c.conn
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Warn("websocket connection lost", logging.Error(err))
}

func (c *Connector) readLoop() {
	deadline := 3 * c.config.HeartbeatInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.fail(exchanges.NewNetworkError("websocket read", err))
			}
			return
		}
		c.dispatch(message)
	}
}

func (c *Connector) dispatch(message []byte) {
	var envelope struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		c.logger.Debug("ignoring non-topic message", logging.Error(err))
		return
	}

	c.handlersMu.RLock()
	handler, ok := c.handlers[envelope.Topic]
	c.handlersMu.RUnlock()
	if ok {
		handler(message)
	}
}

func (c *Connector) heartbeat() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			if !c.IsConnected() {
				c.writeMu.Unlock()
				return
			}
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
