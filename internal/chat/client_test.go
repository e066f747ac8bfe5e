package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redes-chat/chatserver/internal/chat"
)

func TestClient_PushDropsWhenQueueFull(t *testing.T) {
	c := chat.NewClient("c1", newMockConn("127.0.0.1:1"), 2)

	assert.True(t, c.Push([]byte("1")))
	assert.True(t, c.Push([]byte("2")))
	assert.False(t, c.Push([]byte("3")), "third push must not block")
}

func TestClient_ReplyWaitsForSpace(t *testing.T) {
	conn := newMockConn("127.0.0.1:1")
	c := chat.NewClient("c1", conn, 1)
	require.True(t, c.Push([]byte("first")))

	done := make(chan error, 1)
	go func() { done <- c.Reply(context.Background(), []byte("second")) }()

	select {
	case err := <-done:
		t.Fatalf("Reply returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.WriteLoop(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Reply did not complete after queue drained")
	}

	require.Eventually(t, func() bool { return len(conn.GetWritten()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "first", string(conn.GetWritten()[0]))
	assert.Equal(t, "second", string(conn.GetWritten()[1]))
}

func TestClient_ReplyAfterClose(t *testing.T) {
	conn := newMockConn("127.0.0.1:1")
	c := chat.NewClient("c1", conn, 1)
	require.True(t, c.Push([]byte("fill")))

	done := make(chan error, 1)
	go func() { done <- c.Reply(context.Background(), []byte("blocked")) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, chat.ErrClientClosed)
	case <-time.After(time.Second):
		t.Fatal("Reply still blocked after Close")
	}
	assert.True(t, conn.IsClosed())
	assert.False(t, c.Push([]byte("late")))
	assert.NoError(t, c.Close(), "second Close is a no-op")
}

func TestClient_WriteErrorClosesClient(t *testing.T) {
	conn := newMockConn("127.0.0.1:1")
	conn.writeErr = errors.New("broken pipe")
	c := chat.NewClient("c1", conn, 4)
	require.True(t, c.Push([]byte("x")))

	err := c.WriteLoop(context.Background())
	assert.EqualError(t, err, "broken pipe")

	select {
	case <-c.Done():
	default:
		t.Fatal("client not closed after write error")
	}
}
