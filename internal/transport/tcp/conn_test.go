package tcp_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/redes-chat/chatserver/internal/chat"
	"github.com/redes-chat/chatserver/internal/transport/tcp"
)

func TestConn_ImplementsInterface(t *testing.T) {
	var _ chat.Conn = (*tcp.Conn)(nil)
}

func TestConn_Read(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := tcp.NewConn(client, 0)

	go func() {
		server.Write([]byte(`{"type":"login"}` + "\n\n" + `{"type":"logout"}` + "\r\n"))
		server.Close()
	}()

	want := []string{`{"type":"login"}`, `{"type":"logout"}`}
	for _, w := range want {
		data, err := conn.Read(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != w {
			t.Errorf("Read() = %q, want %q", string(data), w)
		}
	}

	if _, err := conn.Read(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Read() after close error = %v, want io.EOF", err)
	}
}

func TestConn_ReadSplitAcrossWrites(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := tcp.NewConn(client, 0)

	go func() {
		server.Write([]byte(`{"type":`))
		server.Write([]byte(`"auth"}` + "\n"))
	}()

	data, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"auth"}` {
		t.Errorf("Read() = %q", string(data))
	}
}

func TestConn_ReadFrameTooLarge(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := tcp.NewConn(client, 16)

	go func() {
		server.Write([]byte(strings.Repeat("x", 64) + "\n"))
	}()

	_, err := conn.Read(context.Background())
	if !errors.Is(err, tcp.ErrFrameTooLarge) {
		t.Errorf("Read() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestConn_Write(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := tcp.NewConn(client, 0)

	go func() {
		err := conn.Write(context.Background(), []byte(`{"status":"ok"}`))
		if err != nil {
			t.Errorf("Write() error = %v", err)
		}
	}()

	line, err := bufio.NewReader(server).ReadString('\n')
	if err != nil {
		t.Fatalf("server read error: %v", err)
	}
	if line != `{"status":"ok"}`+"\n" {
		t.Errorf("server received %q", line)
	}
}

func TestConn_Close(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	conn := tcp.NewConn(client, 0)

	err := conn.Close()
	if err != nil {
		t.Errorf("Close() error = %v", err)
	}

	_, err = client.Read(make([]byte, 1))
	if err == nil {
		t.Error("expected error after close, got nil")
	}
}

func TestConn_RemoteAddr(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := tcp.NewConn(client, 0)

	addr := conn.RemoteAddr()
	if addr == "" {
		t.Error("RemoteAddr() returned empty string")
	}
}
