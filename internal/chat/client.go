package chat

import (
	"context"
	"errors"
	"sync"
)

// ErrClientClosed is returned when writing to a client whose connection has
// been closed.
var ErrClientClosed = errors.New("client closed")

// DefaultQueueSize is the outbound queue length used when none is given.
const DefaultQueueSize = 64

// Client is the server-side record of one live connection. Frames reach the
// socket only through the outbound queue drained by WriteLoop.
type Client struct {
	ID   string
	Conn Conn

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client with an outbound queue of queueSize frames.
func NewClient(id string, conn Conn, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Client{
		ID:   id,
		Conn: conn,
		out:  make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// RemoteAddr returns the peer address of the underlying connection.
func (c *Client) RemoteAddr() string {
	return c.Conn.RemoteAddr()
}

// Reply queues a direct response, waiting for queue space.
func (c *Client) Reply(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push queues a push event without waiting. It reports false when the client
// is closed or its queue is full.
func (c *Client) Push(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

// WriteLoop drains the outbound queue to the connection until the client is
// closed or ctx ends. A write error closes the client.
func (c *Client) WriteLoop(ctx context.Context) error {
	for {
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.out:
			if err := c.Conn.Write(ctx, data); err != nil {
				c.Close()
				return err
			}
		}
	}
}

// Close closes the connection once. The outbound queue is never closed so a
// late Push or Reply cannot panic.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
