package chat_test

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redes-chat/chatserver/internal/chat"
	"github.com/redes-chat/chatserver/pkg/protocol"
)

func TestFanout_Deliver(t *testing.T) {
	var logs bytes.Buffer
	r := chat.NewRegistry(nil)
	f := chat.NewFanout(r, zerolog.New(&logs).Level(zerolog.DebugLevel))

	online := chat.NewClient("c1", newMockConn("127.0.0.1:1"), 4)
	full := chat.NewClient("c2", newMockConn("127.0.0.1:2"), 1)
	closed := chat.NewClient("c3", newMockConn("127.0.0.1:3"), 4)
	for i, c := range []*chat.Client{online, full, closed} {
		require.NoError(t, r.Register(c))
		require.NoError(t, r.BindSession(c.ID, session([]string{"u1", "u2", "u3"}[i])))
	}
	require.True(t, full.Push([]byte("backlog")))
	require.NoError(t, closed.Close())

	ev := protocol.Event{Type: protocol.EventGroupDeleted, Payload: map[string]string{"group_id": "g"}}
	got := f.Deliver([]string{"u1", "u1", "u2", "u3", "offline", ""}, ev)

	assert.Equal(t, 1, got, "only the healthy online user receives the event, once")
	assert.Contains(t, logs.String(), `"remote":"127.0.0.1:2"`)
}

func TestFanout_DeliverEmpty(t *testing.T) {
	f := chat.NewFanout(chat.NewRegistry(nil), zerolog.Nop())
	assert.Equal(t, 0, f.Deliver(nil, protocol.Event{Type: protocol.EventMessageNew}))
}
