// Package tcp provides the newline-delimited JSON transport for raw TCP
// clients.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// DefaultMaxFrame is the longest line accepted when no limit is given.
const DefaultMaxFrame = 1 << 20

// ErrFrameTooLarge is returned by Read when a line exceeds the frame limit.
var ErrFrameTooLarge = errors.New("tcp: frame exceeds maximum size")

// Conn adapts net.Conn to chat.Conn. Each frame is one line.
type Conn struct {
	conn     net.Conn
	r        *bufio.Reader
	maxFrame int

	wmu sync.Mutex
}

// NewConn wraps a net.Conn. A maxFrame of zero or less uses DefaultMaxFrame.
func NewConn(conn net.Conn, maxFrame int) *Conn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Conn{
		conn:     conn,
		r:        bufio.NewReader(conn),
		maxFrame: maxFrame,
	}
}

// Read implements chat.Conn.
// Blank lines are skipped. A trailing partial line at EOF is dropped.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	}
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (c *Conn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		if len(line)+len(chunk) > c.maxFrame+1 {
			return nil, ErrFrameTooLarge
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// Write implements chat.Conn. A newline is appended to data.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	}
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')
	_, err := c.conn.Write(frame)
	return err
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
