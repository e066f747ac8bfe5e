package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redes-chat/chatserver/pkg/protocol"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantType  protocol.MessageType
		wantID    string
		wantField string
		want      protocol.Command
	}{
		{
			name:     "login with integer request id",
			data:     `{"type":"login","username":"alice","password":"pw","request_id":7}`,
			wantType: protocol.TypeLogin,
			wantID:   "7",
			want:     &protocol.Login{Username: "alice", Password: "pw"},
		},
		{
			name:     "message with string request id",
			data:     `{"type":"message","chat_id":"c1","content":"hi","request_id":"abc"}`,
			wantType: protocol.TypeSendMessage,
			wantID:   `"abc"`,
			want:     &protocol.SendMessage{ChatID: "c1", Content: "hi"},
		},
		{
			name:     "null request id is treated as absent",
			data:     `{"type":"logout","request_id":null}`,
			wantType: protocol.TypeLogout,
			want:     &protocol.Logout{},
		},
		{
			name:     "auth accepts session_id alias",
			data:     `{"type":"auth","session_id":"tok"}`,
			wantType: protocol.TypeAuth,
			want:     &protocol.Auth{Token: "tok", SessionID: "tok"},
		},
		{
			name:     "create group with empty member list",
			data:     `{"type":"create_group","group_name":"g","member_ids":[]}`,
			wantType: protocol.TypeCreateGroup,
			want:     &protocol.CreateGroup{GroupName: "g", MemberIDs: []string{}},
		},
		{
			name:      "missing username",
			data:      `{"type":"register","password":"pw","request_id":1}`,
			wantType:  protocol.TypeRegister,
			wantID:    "1",
			wantField: "username",
		},
		{
			name:      "missing member ids",
			data:      `{"type":"create_group","group_name":"g"}`,
			wantType:  protocol.TypeCreateGroup,
			wantField: "member_ids",
		},
		{
			name:      "member ids of wrong type",
			data:      `{"type":"create_group","group_name":"g","member_ids":"u1"}`,
			wantType:  protocol.TypeCreateGroup,
			wantField: "member_ids",
		},
		{
			name:      "blank content",
			data:      `{"type":"message","chat_id":"c1","content":"   "}`,
			wantType:  protocol.TypeSendMessage,
			wantField: "content",
		},
		{
			name:      "rename needs a name",
			data:      `{"type":"update_group_name","group_id":"g1"}`,
			wantType:  protocol.TypeUpdateGroupName,
			wantField: "name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := protocol.DecodeRequest([]byte(tt.data))
			assert.Equal(t, tt.wantType, req.Type)
			assert.Equal(t, tt.wantID, string(req.RequestID))

			if tt.wantField != "" {
				var fieldErr *protocol.FieldError
				require.ErrorAs(t, err, &fieldErr)
				assert.Equal(t, tt.wantField, fieldErr.Field)
				assert.Equal(t, tt.wantField+" required", err.Error())
				assert.Nil(t, req.Command)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.Command)
		})
	}
}

func TestDecodeRequest_InvalidJSON(t *testing.T) {
	for _, data := range []string{`not json`, `{"type":`, `[1,2]`, ``} {
		_, err := protocol.DecodeRequest([]byte(data))
		assert.Truef(t, errors.Is(err, protocol.ErrInvalidJSON), "input %q: got %v", data, err)
	}
}

func TestDecodeRequest_UnknownType(t *testing.T) {
	req, err := protocol.DecodeRequest([]byte(`{"type":"dance","request_id":3}`))

	var unknown *protocol.UnknownTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "dance", unknown.Type)
	assert.Equal(t, "Unknown message type: dance", err.Error())
	assert.Equal(t, json.RawMessage("3"), req.RequestID)

	_, err = protocol.DecodeRequest([]byte(`{"username":"x"}`))
	require.ErrorAs(t, err, &unknown)
	assert.Empty(t, unknown.Type)
}

func TestMessageType_RequiresSession(t *testing.T) {
	open := []protocol.MessageType{protocol.TypeRegister, protocol.TypeLogin, protocol.TypeAuth}
	for _, mt := range open {
		assert.False(t, mt.RequiresSession(), mt.String())
	}
	gated := []protocol.MessageType{
		protocol.TypeLogout, protocol.TypeGetUserChats, protocol.TypeSendMessage,
		protocol.TypeCreateGroup, protocol.TypeDeleteGroup, protocol.TypeMarkRead,
	}
	for _, mt := range gated {
		assert.True(t, mt.RequiresSession(), mt.String())
	}
}
