// Package protocol defines the newline-delimited JSON wire format shared by
// the chat server and its clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType is the value of the mandatory "type" field of an inbound frame.
type MessageType string

const (
	TypeRegister          MessageType = "register"
	TypeLogin             MessageType = "login"
	TypeAuth              MessageType = "auth"
	TypeLogout            MessageType = "logout"
	TypeGetUserChats      MessageType = "get_user_chats"
	TypeGetChat           MessageType = "get_chat"
	TypeGetMessages       MessageType = "get_messages"
	TypeSendMessage       MessageType = "message"
	TypeMarkRead          MessageType = "mark_read"
	TypeSearchUsers       MessageType = "search_users"
	TypeCreateDM          MessageType = "create_dm"
	TypeCreateGroup       MessageType = "create_group"
	TypeListGroups        MessageType = "list_groups"
	TypeAddGroupMember    MessageType = "add_group_member"
	TypeRemoveGroupMember MessageType = "remove_group_member"
	TypeUpdateGroupName   MessageType = "update_group_name"
	TypeDeleteGroup       MessageType = "delete_group"
)

// String returns the wire name of the type.
func (mt MessageType) String() string {
	return string(mt)
}

// RequiresSession reports whether a command of this type may only be issued
// on a connection with a bound session.
func (mt MessageType) RequiresSession() bool {
	switch mt {
	case TypeRegister, TypeLogin, TypeAuth:
		return false
	default:
		return true
	}
}

// Command is one variant of the inbound tagged union. Each variant validates
// its own required fields.
type Command interface {
	Type() MessageType
	Validate() error
}

// Request is a decoded inbound frame.
type Request struct {
	Type MessageType
	// RequestID holds the raw JSON of the request_id field, nil when absent.
	RequestID json.RawMessage
	Command   Command
}

// ErrInvalidJSON is returned when a frame is not a JSON object.
var ErrInvalidJSON = errors.New("invalid JSON")

// FieldError reports a missing or malformed required field.
type FieldError struct {
	Field string
}

func (e *FieldError) Error() string {
	return e.Field + " required"
}

// UnknownTypeError reports a frame whose type matches no command.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return "Unknown message type: " + e.Type
}

type envelope struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"request_id"`
}

var commands = map[MessageType]func() Command{
	TypeRegister:          func() Command { return &Register{} },
	TypeLogin:             func() Command { return &Login{} },
	TypeAuth:              func() Command { return &Auth{} },
	TypeLogout:            func() Command { return &Logout{} },
	TypeGetUserChats:      func() Command { return &GetUserChats{} },
	TypeGetChat:           func() Command { return &GetChat{} },
	TypeGetMessages:       func() Command { return &GetMessages{} },
	TypeSendMessage:       func() Command { return &SendMessage{} },
	TypeMarkRead:          func() Command { return &MarkRead{} },
	TypeSearchUsers:       func() Command { return &SearchUsers{} },
	TypeCreateDM:          func() Command { return &CreateDM{} },
	TypeCreateGroup:       func() Command { return &CreateGroup{} },
	TypeListGroups:        func() Command { return &ListGroups{} },
	TypeAddGroupMember:    func() Command { return &AddGroupMember{} },
	TypeRemoveGroupMember: func() Command { return &RemoveGroupMember{} },
	TypeUpdateGroupName:   func() Command { return &UpdateGroupName{} },
	TypeDeleteGroup:       func() Command { return &DeleteGroup{} },
}

// DecodeRequest parses one frame. The returned Request carries Type and
// RequestID whenever the envelope itself parsed, even if the error is a
// *FieldError or *UnknownTypeError, so that callers can answer the request.
func DecodeRequest(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	req := Request{Type: MessageType(env.Type)}
	if id := bytes.TrimSpace(env.RequestID); len(id) > 0 && !bytes.Equal(id, []byte("null")) {
		req.RequestID = id
	}

	newCmd, ok := commands[req.Type]
	if !ok {
		return req, &UnknownTypeError{Type: env.Type}
	}

	cmd := newCmd()
	if err := json.Unmarshal(data, cmd); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return req, &FieldError{Field: typeErr.Field}
		}
		return req, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := cmd.Validate(); err != nil {
		return req, err
	}
	req.Command = cmd
	return req, nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &FieldError{Field: field}
	}
	return nil
}

// Register creates an account and its first session.
type Register struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (*Register) Type() MessageType { return TypeRegister }

func (c *Register) Validate() error {
	if err := required("username", c.Username); err != nil {
		return err
	}
	return required("password", c.Password)
}

// Login verifies credentials and replaces every previous session of the user.
type Login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (*Login) Type() MessageType { return TypeLogin }

func (c *Login) Validate() error {
	if err := required("username", c.Username); err != nil {
		return err
	}
	return required("password", c.Password)
}

// Auth binds an existing session token to the connection. Older clients
// send the token as session_id.
type Auth struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

func (*Auth) Type() MessageType { return TypeAuth }

func (c *Auth) Validate() error {
	if c.Token == "" {
		c.Token = c.SessionID
	}
	return required("token", c.Token)
}

type Logout struct{}

func (*Logout) Type() MessageType { return TypeLogout }
func (*Logout) Validate() error { return nil }

type GetUserChats struct{}

func (*GetUserChats) Type() MessageType { return TypeGetUserChats }
func (*GetUserChats) Validate() error { return nil }

type GetChat struct {
	ChatID string `json:"chat_id"`
}

func (*GetChat) Type() MessageType { return TypeGetChat }
func (c *GetChat) Validate() error { return required("chat_id", c.ChatID) }

// GetMessages reads the newest Limit messages of a chat in chronological
// order. MarkRead marks the returned messages from other senders as read.
type GetMessages struct {
	ChatID   string `json:"chat_id"`
	Limit    int    `json:"limit"`
	MarkRead bool   `json:"mark_read"`
}

func (*GetMessages) Type() MessageType { return TypeGetMessages }
func (c *GetMessages) Validate() error { return required("chat_id", c.ChatID) }

type SendMessage struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

func (*SendMessage) Type() MessageType { return TypeSendMessage }

func (c *SendMessage) Validate() error {
	if err := required("chat_id", c.ChatID); err != nil {
		return err
	}
	return required("content", c.Content)
}

// MarkRead marks messages of a chat as read by the caller. An empty
// MessageIDs marks every unread message from other senders.
type MarkRead struct {
	ChatID     string   `json:"chat_id"`
	MessageIDs []string `json:"message_ids"`
}

func (*MarkRead) Type() MessageType { return TypeMarkRead }
func (c *MarkRead) Validate() error { return required("chat_id", c.ChatID) }

type SearchUsers struct {
	Query string `json:"query"`
}

func (*SearchUsers) Type() MessageType { return TypeSearchUsers }
func (c *SearchUsers) Validate() error { return required("query", c.Query) }

type CreateDM struct {
	OtherUserID string `json:"other_user_id"`
}

func (*CreateDM) Type() MessageType { return TypeCreateDM }
func (c *CreateDM) Validate() error { return required("other_user_id", c.OtherUserID) }

// CreateGroup needs a member_ids array; an empty array is allowed, a missing
// one is not.
type CreateGroup struct {
	GroupName string   `json:"group_name"`
	MemberIDs []string `json:"member_ids"`
}

func (*CreateGroup) Type() MessageType { return TypeCreateGroup }

func (c *CreateGroup) Validate() error {
	if err := required("group_name", c.GroupName); err != nil {
		return err
	}
	if c.MemberIDs == nil {
		return &FieldError{Field: "member_ids"}
	}
	for _, id := range c.MemberIDs {
		if strings.TrimSpace(id) == "" {
			return &FieldError{Field: "member_ids"}
		}
	}
	return nil
}

type ListGroups struct{}

func (*ListGroups) Type() MessageType { return TypeListGroups }
func (*ListGroups) Validate() error { return nil }

type AddGroupMember struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

func (*AddGroupMember) Type() MessageType { return TypeAddGroupMember }

func (c *AddGroupMember) Validate() error {
	if err := required("group_id", c.GroupID); err != nil {
		return err
	}
	return required("user_id", c.UserID)
}

type RemoveGroupMember struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

func (*RemoveGroupMember) Type() MessageType { return TypeRemoveGroupMember }

func (c *RemoveGroupMember) Validate() error {
	if err := required("group_id", c.GroupID); err != nil {
		return err
	}
	return required("user_id", c.UserID)
}

type UpdateGroupName struct {
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
}

func (*UpdateGroupName) Type() MessageType { return TypeUpdateGroupName }

func (c *UpdateGroupName) Validate() error {
	if err := required("group_id", c.GroupID); err != nil {
		return err
	}
	return required("name", c.Name)
}

type DeleteGroup struct {
	GroupID string `json:"group_id"`
}

func (*DeleteGroup) Type() MessageType { return TypeDeleteGroup }
func (c *DeleteGroup) Validate() error { return required("group_id", c.GroupID) }
