package conn

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Frame is one raw inbound message with its local receive timestamp.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

// ClientConfig 单条 WebSocket 连接参数
type ClientConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingTimeout      time.Duration
	BufferSize       int
}

// Client is a single WebSocket connection to the streaming endpoint. The
// Manager owns the lifecycle; nothing else touches the socket.
type Client interface {
	// Connect establishes the connection; cancelled cleanly via ctx.
	Connect(ctx context.Context) error

	// Close tears the connection down. A closed client is not reusable.
	Close() error

	// Send writes raw bytes to the connection.
	Send(data []byte) error

	// Frames returns the channel of raw inbound messages.
	Frames() <-chan Frame

	// Errors returns the channel of transport errors.
	Errors() <-chan error
}

// ClientFactory 便于测试注入假连接
type ClientFactory func(cfg ClientConfig, logger *zap.Logger) Client

type wsClient struct {
	cfg    ClientConfig
	logger *zap.Logger

	conn *websocket.Conn

	frames chan Frame
	errors chan error
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastPingAt time.Time
}

// NewClient 创建 gorilla/websocket 客户端
func NewClient(cfg ClientConfig, logger *zap.Logger) Client {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	return &wsClient{
		cfg:    cfg,
		logger: logger,
		frames: make(chan Frame, cfg.BufferSize),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (c *wsClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastPingAt = time.Now()
	c.mu.Unlock()

	// Server-initiated pings get a pong; either direction refreshes staleness.
	conn.SetPingHandler(func(data string) error {
		c.touchPing()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})
	conn.SetPongHandler(func(data string) error {
		c.touchPing()
		return nil
	})

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Debug("websocket connected", zap.String("url", c.cfg.URL))
	return nil
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	close(c.done)

	if c.conn != nil {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return c.conn.Close()
	}

	return nil
}

func (c *wsClient) Send(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) Frames() <-chan Frame {
	return c.frames
}

func (c *wsClient) Errors() <-chan error {
	return c.errors
}

func (c *wsClient) touchPing() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

func (c *wsClient) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Read errors after Close are expected, swallow them.
			select {
			case <-c.done:
				return
			default:
				select {
				case c.errors <- err:
				default:
				}
				return
			}
		}

		select {
		case c.frames <- Frame{Data: data, ReceivedAt: receivedAt}:
		case <-c.done:
			return
		default:
			c.logger.Warn("frame buffer full, dropping frame")
		}
	}
}

// heartbeatLoop 定期发 ping 并检测失联
func (c *wsClient) heartbeatLoop() {
	interval := c.cfg.PingTimeout
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			lastPing := c.lastPingAt
			c.mu.RUnlock()

			if conn != nil {
				deadline := time.Now().Add(c.cfg.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
					c.logger.Debug("failed to send ping", zap.Error(err))
				}
			}

			if time.Since(lastPing) > 2*interval {
				c.logger.Warn("no ping received, connection stale",
					zap.Time("last_ping", lastPing),
				)
				select {
				case c.errors <- ErrStaleConnection:
				default:
				}
				return
			}
		}
	}
}
