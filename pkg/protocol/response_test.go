package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redes-chat/chatserver/pkg/protocol"
)

func TestResponse_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		resp protocol.Response
		want string
	}{
		{
			name: "ok with body and integer id",
			resp: protocol.OK(json.RawMessage("42"), map[string]any{"chat_id": "c1"}),
			want: `{"chat_id":"c1","request_id":42,"status":"ok"}`,
		},
		{
			name: "ok without id omits request_id",
			resp: protocol.OK(nil, struct {
				MessageID string `json:"message_id"`
			}{"m1"}),
			want: `{"message_id":"m1","status":"ok"}`,
		},
		{
			name: "error echoes string id verbatim",
			resp: protocol.Fail(json.RawMessage(`"req-1"`), protocol.MsgNotAuthenticated),
			want: `{"message":"Not authenticated","request_id":"req-1","status":"error"}`,
		},
		{
			name: "body cannot override envelope fields",
			resp: protocol.OK(nil, map[string]any{"status": "nope", "request_id": 9}),
			want: `{"status":"ok"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := protocol.Encode(tt.resp)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestResponse_MarshalJSON_NonObjectBody(t *testing.T) {
	_, err := protocol.Encode(protocol.OK(nil, []string{"a"}))
	assert.Error(t, err)
}

func TestEvent_Encode(t *testing.T) {
	data, err := protocol.Encode(protocol.Event{
		Type:    protocol.EventMessageNew,
		Payload: map[string]string{"id": "m1"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message:new","payload":{"id":"m1"}}`, string(data))
}

func TestDecodeReply(t *testing.T) {
	r, err := protocol.DecodeReply([]byte(`{"status":"ok","request_id":5,"chats":[]}`))
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.False(t, r.IsEvent())
	assert.Equal(t, "5", string(r.RequestID))

	var body struct {
		Chats []any `json:"chats"`
	}
	require.NoError(t, r.Decode(&body))
	assert.NotNil(t, body.Chats)

	ev, err := protocol.DecodeReply([]byte(`{"type":"group:deleted","payload":{"group_id":"g1"}}`))
	require.NoError(t, err)
	assert.True(t, ev.IsEvent())
	assert.Equal(t, protocol.EventGroupDeleted, ev.Type)

	var payload struct {
		GroupID string `json:"group_id"`
	}
	require.NoError(t, ev.DecodePayload(&payload))
	assert.Equal(t, "g1", payload.GroupID)

	_, err = protocol.DecodeReply([]byte(`garbage`))
	assert.ErrorIs(t, err, protocol.ErrInvalidJSON)
}
