// Package server accepts raw TCP and WebSocket clients on a single port and
// runs each connection's read and write loops.
package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/redes-chat/chatserver/internal/chat"
	"github.com/redes-chat/chatserver/internal/transport/tcp"
	"github.com/redes-chat/chatserver/internal/transport/ws"
)

const handshakeTimeout = 10 * time.Second

// httpMethods are the request line prefixes that mark a WebSocket upgrade.
var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("OPTI"), // OPTIONS
	[]byte("PATC"), // PATCH
	[]byte("DELE"), // DELETE
	[]byte("CONN"), // CONNECT
}

// Config configures the listener. Zero limits fall back to the transport and
// client defaults.
type Config struct {
	Addr string
	// MaxFrameBytes bounds one inbound frame on either transport.
	MaxFrameBytes int
	// SendQueueSize is the outbound queue length of each connection.
	SendQueueSize int
}

// UnifiedServer handles both TCP and WebSocket connections on one listener.
type UnifiedServer struct {
	cfg      Config
	router   *chat.Router
	registry *chat.Registry
	logger   zerolog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewUnifiedServer creates a server that hands every frame to router.
func NewUnifiedServer(cfg Config, router *chat.Router, registry *chat.Registry, logger zerolog.Logger) *UnifiedServer {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = chat.DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UnifiedServer{
		cfg:      cfg,
		router:   router,
		registry: registry,
		logger:   logger.With().Str("component", "server").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start opens the listener and begins accepting in the background.
func (s *UnifiedServer) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("server started (TCP and WebSocket)")

	s.wg.Add(1)
	go s.acceptConnections()
	return nil
}

// Serve starts the server and blocks until ctx is done, then stops it.
func (s *UnifiedServer) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.quit:
	}
	s.Stop()
	return nil
}

// Stop closes the listener and every live connection and waits for their
// goroutines to finish.
func (s *UnifiedServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}

		for _, c := range s.registry.Clients() {
			_ = c.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		s.logger.Info().Msg("server stopped")
	})
}

// Addr returns the listening address
func (s *UnifiedServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected clients
func (s *UnifiedServer) ClientCount() int {
	return s.registry.Count()
}

func (s *UnifiedServer) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("failed to accept connection")
			continue
		}

		s.mu.Lock()
		select {
		case <-s.quit:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection determines whether the connection is HTTP (WebSocket) or
// raw TCP and then serves it until it closes.
func (s *UnifiedServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	reader := bufio.NewReader(conn)
	bc := &bufferedConn{Conn: conn, reader: reader}

	isHTTP, err := sniffHTTP(reader)
	if err != nil {
		if !isClosed(err) {
			logger.Debug().Err(err).Msg("failed to peek connection")
		}
		return
	}

	var transport chat.Conn
	kind := "tcp"
	if isHTTP {
		kind = "websocket"
		_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
		wsConn, err := ws.Upgrade(conn, bc, s.cfg.MaxFrameBytes)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		_ = conn.SetDeadline(time.Time{})
		transport = wsConn
	} else {
		transport = tcp.NewConn(bc, s.cfg.MaxFrameBytes)
	}

	s.serve(transport, kind, logger)
}

// sniffHTTP reports whether the stream starts with an HTTP request line.
// Only one byte is required before deciding on raw TCP, since a short JSON
// frame may be all the client sends.
func sniffHTTP(reader *bufio.Reader) (bool, error) {
	first, err := reader.Peek(1)
	if err != nil {
		return false, err
	}
	if first[0] < 'A' || first[0] > 'Z' {
		return false, nil
	}
	prefix, err := reader.Peek(4)
	if err != nil {
		return false, err
	}
	for _, m := range httpMethods {
		if bytes.HasPrefix(prefix, m) {
			return true, nil
		}
	}
	return false, nil
}

// serve runs the read loop for one connection; the write loop runs in its
// own goroutine. Frames are handled one at a time in arrival order.
func (s *UnifiedServer) serve(conn chat.Conn, kind string, logger zerolog.Logger) {
	id := uuid.NewString()
	client := chat.NewClient(id, conn, s.cfg.SendQueueSize)
	logger = logger.With().Str("conn_id", id).Str("transport", kind).Logger()

	if err := s.registry.Register(client); err != nil {
		logger.Error().Err(err).Msg("failed to register connection")
		_ = client.Close()
		return
	}
	logger.Info().Msg("client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := client.WriteLoop(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug().Err(err).Msg("failed to send to client")
		}
	}()

	for {
		data, err := conn.Read(s.ctx)
		if err != nil {
			switch {
			case isClosed(err):
			case errors.Is(err, tcp.ErrFrameTooLarge), errors.Is(err, ws.ErrFrameTooLarge):
				logger.Warn().Err(err).Msg("closing connection")
			default:
				logger.Debug().Err(err).Msg("error reading from client")
			}
			break
		}
		logger.Debug().Int("bytes", len(data)).Msg("frame received")
		s.router.HandleFrame(s.ctx, client, data)
	}

	s.registry.Unregister(id)
	_ = client.Close()
	<-writerDone
	logger.Info().Msg("client disconnected")
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

// bufferedConn wraps a net.Conn with a bufio.Reader to preserve peeked data
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}
