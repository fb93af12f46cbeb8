// Package sink is a minimal view-only protocol client. It answers the
// version handshake, asks for credentials when the server offers only
// password authentication, and renders every other server message on a
// worker goroutine behind a bounded queue.
package sink

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kokoavailable/rfbreplay/protocol/playback"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultQueueSize = 64

	securityNone = 1
	securityVNC  = 2
)

var ErrClosed = errors.New("sink: connection closed")

type Config struct {
	Out        io.Writer
	RenderCost time.Duration
	QueueSize  int
}

type handshake uint8

const (
	awaitVersion handshake = iota
	awaitSecurity
	established
)

type Client struct {
	log       *log.Entry
	conn      playback.Conn
	out       io.Writer
	cost      time.Duration
	highWater int

	mu        sync.Mutex
	queue     [][]byte
	rendering bool
	waiters   []chan struct{}
	closed    bool
	viewOnly  bool
	stage     handshake
	onDisc    func(clean bool)
	onCreds   func()

	rendered atomic.Int64
	written  atomic.Int64

	wake chan struct{}
	done chan struct{}
}

var _ playback.Client = (*Client)(nil)

func New(conn playback.Conn, cfg Config) *Client {
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	c := &Client{
		log:       log.WithField("component", "sink"),
		conn:      conn,
		out:       cfg.Out,
		cost:      cfg.RenderCost,
		highWater: cfg.QueueSize,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	conn.OnMessage(c.receive)
	conn.OnClose(func(code int, reason string) {
		c.log.Debugf("transport closed: %d %s", code, reason)
		c.disconnect(code == playback.NormalClosure)
	})
	conn.OnError(func(err error) {
		c.log.Warnf("transport error: %v", err)
		c.disconnect(false)
	})
	go c.render()
	return c
}

// Factory builds sink clients for a player.
func Factory(cfg Config) playback.ClientFactory {
	return func(conn playback.Conn) (playback.Client, error) {
		return New(conn, cfg), nil
	}
}

func (c *Client) SetViewOnly(v bool) {
	c.mu.Lock()
	c.viewOnly = v
	c.mu.Unlock()
}

func (c *Client) OnDisconnect(f func(clean bool)) {
	c.mu.Lock()
	c.onDisc = f
	c.mu.Unlock()
}

func (c *Client) OnCredentialsRequired(f func()) {
	c.mu.Lock()
	c.onCreds = f
	c.mu.Unlock()
}

// SendCredentials answers a password challenge. Only the password is used
// by VNC authentication.
func (c *Client) SendCredentials(creds playback.Credentials) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := c.conn.Send([]byte{securityVNC}); err != nil {
		return err
	}
	return c.conn.Send([]byte(creds.Password))
}

func (c *Client) receive(payload []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	switch c.stage {
	case awaitVersion:
		if bytes.HasPrefix(payload, []byte("RFB ")) {
			c.stage = awaitSecurity
			c.mu.Unlock()
			if err := c.conn.Send(payload); err != nil {
				c.log.Warnf("send version: %v", err)
			}
			return
		}
		c.stage = established
	case awaitSecurity:
		c.stage = established
		f := c.onCreds
		c.mu.Unlock()
		if f != nil && needsPassword(payload) {
			f()
		}
		return
	}
	c.queue = append(c.queue, payload)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// needsPassword reports whether a security type list offers VNC
// authentication but not None.
func needsPassword(msg []byte) bool {
	if len(msg) == 0 || int(msg[0]) != len(msg)-1 {
		return false
	}
	types := msg[1:]
	return bytes.IndexByte(types, securityVNC) >= 0 && bytes.IndexByte(types, securityNone) < 0
}

func (c *Client) render() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		for {
			c.mu.Lock()
			if c.closed || len(c.queue) == 0 {
				c.rendering = false
				c.release()
				c.mu.Unlock()
				break
			}
			msg := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.rendering = true
			c.mu.Unlock()

			if !c.paint(msg) {
				return
			}
		}
	}
}

func (c *Client) paint(msg []byte) bool {
	if c.cost > 0 {
		t := time.NewTimer(c.cost)
		select {
		case <-t.C:
		case <-c.done:
			t.Stop()
			return false
		}
	}
	n, err := c.out.Write(msg)
	if err != nil {
		c.log.Debugf("render write: %v", err)
	}
	c.written.Add(int64(n))
	c.rendered.Add(1)
	return true
}

// release wakes every Flush waiter. Callers hold mu.
func (c *Client) release() {
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
}

func (c *Client) Saturated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	if c.rendering {
		n++
	}
	return n >= c.highWater
}

func (c *Client) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && (len(c.queue) > 0 || c.rendering)
}

// Flush returns a channel closed once the render queue is empty.
func (c *Client) Flush() <-chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (len(c.queue) == 0 && !c.rendering) {
		close(ch)
		return ch
	}
	c.waiters = append(c.waiters, ch)
	return ch
}

func (c *Client) disconnect(clean bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	c.rendering = false
	c.release()
	f := c.onDisc
	viewOnly := c.viewOnly
	c.mu.Unlock()

	close(c.done)
	c.log.WithFields(log.Fields{
		"clean":     clean,
		"view_only": viewOnly,
		"rendered":  c.Rendered(),
		"bytes":     c.Written(),
	}).Debug("sink disconnected")
	if f != nil {
		f(clean)
	}
}

// Rendered is the number of messages painted so far.
func (c *Client) Rendered() int64 {
	return c.rendered.Load()
}

func (c *Client) Written() int64 {
	return c.written.Load()
}
