// Package ws provides the WebSocket transport for the chat server. Each text
// or binary message carries one JSON frame.
package ws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// DefaultMaxFrame is the largest message accepted when no limit is given.
const DefaultMaxFrame = 1 << 20

const closeTimeout = time.Second

// ErrFrameTooLarge is returned by Read when a message exceeds the limit.
var ErrFrameTooLarge = errors.New("ws: message exceeds maximum size")

// Conn adapts an upgraded server-side net.Conn to chat.Conn.
type Conn struct {
	conn     net.Conn
	rd       *wsutil.Reader
	maxFrame int

	wmu sync.Mutex
}

// NewConn wraps conn, which must already have completed the upgrade
// handshake. Reads go through rw so bytes buffered during protocol
// detection are not lost; writes go straight to conn.
func NewConn(conn net.Conn, rw io.Reader, maxFrame int) *Conn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	if rw == nil {
		rw = conn
	}
	c := &Conn{conn: conn, maxFrame: maxFrame}
	c.rd = &wsutil.Reader{
		Source:         rw,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	return c
}

// Upgrade performs the server handshake on rw and wraps the connection.
func Upgrade(conn net.Conn, rw io.ReadWriter, maxFrame int) (*Conn, error) {
	if _, err := ws.Upgrade(rw); err != nil {
		return nil, err
	}
	return NewConn(conn, rw, maxFrame), nil
}

// handleControl answers ping and close frames. Replies are written under
// the write lock so they never interleave with a data frame.
func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	var out bytes.Buffer
	h := wsutil.ControlHandler{
		Src:                 r,
		Dst:                 &out,
		State:               ws.StateServerSide,
		DisableSrcCiphering: true,
	}
	herr := h.Handle(hdr)
	if out.Len() > 0 {
		c.wmu.Lock()
		_, werr := c.conn.Write(out.Bytes())
		c.wmu.Unlock()
		if herr == nil {
			herr = werr
		}
	}
	return herr
}

// Read implements chat.Conn.
// A close frame from the peer is reported as io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	}
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, eofOnClose(err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.rd); err != nil {
				return nil, eofOnClose(err)
			}
			continue
		}
		if hdr.Length > int64(c.maxFrame) {
			return nil, ErrFrameTooLarge
		}

		data, err := io.ReadAll(io.LimitReader(c.rd, int64(c.maxFrame)+1))
		if err != nil {
			return nil, eofOnClose(err)
		}
		if len(data) > c.maxFrame {
			return nil, ErrFrameTooLarge
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		return data, nil
	}
}

func eofOnClose(err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return io.EOF
	}
	return err
}

// Write implements chat.Conn. Frames are sent as text messages.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	}
	return ws.WriteFrame(c.conn, ws.NewTextFrame(data))
}

// Close implements chat.Conn. A normal closure frame is sent on a best
// effort basis before the socket is closed.
func (c *Conn) Close() error {
	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
	c.wmu.Unlock()
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
