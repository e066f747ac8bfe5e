package chat_test

import (
	"context"
	"io"
	"sync"

	"github.com/redes-chat/chatserver/internal/chat"
)

// mockConn is a mock implementation of chat.Conn for testing.
// Written frames are both recorded and published on writes.
type mockConn struct {
	readCh     chan []byte
	writes     chan []byte
	writtenMu  sync.Mutex
	written    [][]byte
	writeErr   error
	closed     bool
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 10),
		writes:     make(chan []byte, 256),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-m.readCh:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	select {
	case m.writes <- copied:
	default:
	}
	return nil
}

func (m *mockConn) Close() error {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) GetWritten() [][]byte {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return append([][]byte(nil), m.written...)
}

func (m *mockConn) IsClosed() bool {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return m.closed
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
