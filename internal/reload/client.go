package reload

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/stackkit-dev/stackkit/kit/colorlog"
	"github.com/stackkit-dev/stackkit/kit/retry"
)

type ClientOptions struct {
	// Addr returns the server address for each dial attempt. Default:
	// 127.0.0.1:DefaultPort.
	Addr           func() string
	Attempts       int           // Default: 10
	Delay          time.Duration // Default: 1 second
	DialTimeout    time.Duration // Default: 2 seconds
	ReconnectDelay time.Duration // Default: 2 seconds
	WriteTimeout   time.Duration // Default: 2 seconds
	Logger         *slog.Logger
}

// Client is the watcher side of the channel. Sends are fire-and-forget:
// nothing is queued while disconnected.
type Client struct {
	opts ClientOptions
	log  *slog.Logger

	mu           sync.Mutex
	conn         net.Conn
	connected    bool
	reconnecting bool
	closed       bool
}

func NewClient(opts ClientOptions) *Client {
	if opts.Addr == nil {
		opts.Addr = func() string { return LocalAddr(DefaultPort) }
	}
	if opts.Attempts == 0 {
		opts.Attempts = 10
	}
	if opts.Delay == 0 {
		opts.Delay = time.Second
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	return &Client{opts: opts, log: colorlog.Or(opts.Logger, "reload")}
}

// LocalAddr formats a loopback address for port.
func LocalAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// Connect dials the server, retrying up to the configured attempt count.
func (c *Client) Connect(ctx context.Context) error {
	policy := retry.Policy{
		Attempts: c.opts.Attempts,
		Delay:    c.opts.Delay,
		OnRetry: func(err error, next int, wait time.Duration) {
			c.log.Debug("reload channel not ready, retrying", "attempt", next, "wait", wait, "error", err)
		},
	}
	err := retry.Do(ctx, policy, c.dial)
	if err != nil {
		return fmt.Errorf("connect reload channel after %d attempts: %w", c.opts.Attempts, err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.mu.Unlock()

	addr := c.opts.Addr()
	d := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return net.ErrClosed
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("connected to dev server", "addr", addr)
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrame)
	for scanner.Scan() {
		if _, err := Decode(scanner.Bytes()); err != nil {
			c.log.Debug("ignoring frame from dev server", "error", err)
		}
	}
	c.handleClose(conn)
}

// handleClose schedules a single reconnect when a live connection drops.
func (c *Client) handleClose(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		return
	}
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	conn.Close()

	if c.closed || !wasConnected || c.reconnecting {
		return
	}
	c.reconnecting = true
	c.log.Warn("lost connection to dev server, reconnecting", "delay", c.opts.ReconnectDelay)

	time.AfterFunc(c.opts.ReconnectDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		defer cancel()
		err := c.dial(ctx)

		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
		if err != nil {
			c.log.Warn("reconnect to dev server failed", "error", err)
		}
	})
}

// SendReload notifies the server of changed files. It reports whether the
// message was written; when disconnected it logs a warning and drops it.
func (c *Client) SendReload(files []string) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.log.Warn("not connected to dev server, dropping reload", "files", len(files))
		return false
	}

	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := Encode(conn, NewReload(files)); err != nil {
		c.log.Warn("failed to send reload", "error", err)
		conn.Close()
		return false
	}
	return true
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close disconnects and disables reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
