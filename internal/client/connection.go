package client

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// maxFrame bounds a single inbound line on the TCP connection.
const maxFrame = 4 << 20

var errFrameTooLarge = errors.New("client: frame exceeds maximum size")

// Connection carries whole JSON frames to and from the server.
type Connection interface {
	// WriteFrame sends one frame.
	WriteFrame(data []byte) error

	// ReadFrame receives one frame. Returns io.EOF when the server closes.
	ReadFrame() ([]byte, error)

	Close() error

	// RemoteAddr returns the server address
	RemoteAddr() net.Addr
}

// TCPConnection frames JSON documents as lines over a net.Conn.
type TCPConnection struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

// NewTCPConnection creates a new TCP connection wrapper
func NewTCPConnection(conn net.Conn) *TCPConnection {
	return &TCPConnection{conn: conn, r: bufio.NewReader(conn)}
}

func (tc *TCPConnection) WriteFrame(data []byte) error {
	tc.wmu.Lock()
	defer tc.wmu.Unlock()
	line := append(append(make([]byte, 0, len(data)+1), data...), '\n')
	_, err := tc.conn.Write(line)
	return err
}

func (tc *TCPConnection) ReadFrame() ([]byte, error) {
	var line []byte
	for {
		chunk, err := tc.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxFrame {
			return nil, errFrameTooLarge
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			return trimmed, nil
		}
		line = line[:0]
	}
}

func (tc *TCPConnection) Close() error {
	return tc.conn.Close()
}

func (tc *TCPConnection) RemoteAddr() net.Addr {
	return tc.conn.RemoteAddr()
}

// WebSocketConnection wraps a client-side WebSocket net.Conn using gobwas/ws.
// Frames are sent as text messages.
type WebSocketConnection struct {
	conn net.Conn
	rw   io.ReadWriter
	wmu  sync.Mutex
}

// NewWebSocketConnection wraps a dialed connection. br holds any bytes the
// handshake read past the response and may be nil.
func NewWebSocketConnection(conn net.Conn, br *bufio.Reader) *WebSocketConnection {
	wc := &WebSocketConnection{conn: conn}
	var r io.Reader = conn
	if br != nil {
		if br.Buffered() > 0 {
			r = br
		} else {
			ws.PutReader(br)
		}
	}
	wc.rw = struct {
		io.Reader
		io.Writer
	}{r, &lockedWriter{w: conn, mu: &wc.wmu}}
	return wc
}

// lockedWriter serializes control frame replies written while reading with
// data frames written by WriteFrame.
type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

func (wc *WebSocketConnection) WriteFrame(data []byte) error {
	var buf bytes.Buffer
	if err := wsutil.WriteClientText(&buf, data); err != nil {
		return err
	}
	wc.wmu.Lock()
	defer wc.wmu.Unlock()
	_, err := wc.conn.Write(buf.Bytes())
	return err
}

func (wc *WebSocketConnection) ReadFrame() ([]byte, error) {
	for {
		data, _, err := wsutil.ReadServerData(wc.rw)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return nil, io.EOF
			}
			return nil, err
		}
		if len(bytes.TrimSpace(data)) > 0 {
			return data, nil
		}
	}
}

func (wc *WebSocketConnection) Close() error {
	_ = wc.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wsutil.WriteClientMessage(wc.rw, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	return wc.conn.Close()
}

func (wc *WebSocketConnection) RemoteAddr() net.Addr {
	return wc.conn.RemoteAddr()
}
