// Package client is the client half of the chat protocol. It correlates
// responses with the requests that caused them and exposes every other
// inbound frame as a stream of events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/redes-chat/chatserver/pkg/protocol"
)

var (
	// ErrClosed is returned for requests pending when the connection ends.
	ErrClosed = errors.New("client: connection closed")
	// ErrRequestTimeout is returned when no response arrives in time.
	ErrRequestTimeout = errors.New("client: request timed out")
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultEventBuffer    = 64
)

type Options struct {
	// RequestTimeout bounds how long Request waits for its response.
	RequestTimeout time.Duration
	// EventBuffer is the capacity of the Events channel. Events arriving
	// while it is full are dropped.
	EventBuffer int
	Logger      zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}

type result struct {
	reply protocol.Reply
	err   error
}

type pending struct {
	ch    chan result
	timer *time.Timer
}

// Client sends requests over one Connection and matches responses by
// request_id.
type Client struct {
	conn   Connection
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pending
	closed  bool

	events    chan protocol.Reply
	done      chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
}

// Dial connects to a raw TCP endpoint.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return New(NewTCPConnection(conn), opts), nil
}

// DialWebSocket connects to a ws:// URL.
func DialWebSocket(ctx context.Context, url string, opts Options) (*Client, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return New(NewWebSocketConnection(conn, br), opts), nil
}

// New starts a client over an established connection.
func New(conn Connection, opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "client").Logger(),
		pending:  make(map[int64]*pending),
		events:   make(chan protocol.Reply, opts.EventBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Request sends cmd with a fresh request_id and waits for the matching
// response. A response with status "error" is returned as a Reply, not as
// an error.
func (c *Client) Request(ctx context.Context, cmd map[string]any) (protocol.Reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Reply{}, ErrClosed
	}
	c.nextID++
	id := c.nextID
	p := &pending{ch: make(chan result, 1)}
	p.timer = time.AfterFunc(c.opts.RequestTimeout, func() {
		c.finish(id, result{err: ErrRequestTimeout})
	})
	c.pending[id] = p
	c.mu.Unlock()

	frame := make(map[string]any, len(cmd)+1)
	for k, v := range cmd {
		frame[k] = v
	}
	frame["request_id"] = id
	data, err := json.Marshal(frame)
	if err != nil {
		c.finish(id, result{err: err})
		return protocol.Reply{}, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := c.conn.WriteFrame(data); err != nil {
		c.finish(id, result{err: err})
		return protocol.Reply{}, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case r := <-p.ch:
		return r.reply, r.err
	case <-ctx.Done():
		c.finish(id, result{err: ctx.Err()})
		return protocol.Reply{}, ctx.Err()
	}
}

// Send writes a frame without waiting for a response.
func (c *Client) Send(cmd map[string]any) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.conn.WriteFrame(data)
}

// finish resolves the pending request id once; later calls are no-ops.
func (c *Client) finish(id int64, r result) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- r
	return true
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Events delivers push events and any response that matched no pending
// request. It is closed when the connection ends.
func (c *Client) Events() <-chan protocol.Reply {
	return c.events
}

// Done is closed once the client has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	defer close(c.events)

	for {
		data, err := c.conn.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug().Err(err).Msg("connection lost")
			}
			c.shutdown()
			return
		}

		reply, err := protocol.DecodeReply(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if id, ok := requestID(reply); ok && c.finish(id, result{reply: reply}) {
			continue
		}

		select {
		case c.events <- reply:
		default:
			c.logger.Warn().Str("type", string(reply.Type)).Msg("event buffer full, dropping frame")
		}
	}
}

func requestID(r protocol.Reply) (int64, bool) {
	if len(r.RequestID) == 0 {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(r.RequestID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// shutdown fails every pending request and closes the connection.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		ids := make([]int64, 0, len(c.pending))
		for id := range c.pending {
			ids = append(ids, id)
		}
		c.mu.Unlock()

		for _, id := range ids {
			c.finish(id, result{err: ErrClosed})
		}
		close(c.done)
		_ = c.conn.Close()
	})
}

// Close disconnects and waits for the read loop to exit.
func (c *Client) Close() error {
	c.shutdown()
	<-c.readDone
	return nil
}
