package chat

import (
	"errors"

	"github.com/redes-chat/chatserver/internal/auth"
	"github.com/redes-chat/chatserver/internal/store"
	"github.com/redes-chat/chatserver/pkg/protocol"
)

// Error is a handler failure whose message is safe to show to clients.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func clientError(msg string) error {
	return &Error{Message: msg}
}

// clientMessage maps err to the message sent to the client. The second
// result is false for unexpected errors, which are answered generically.
func clientMessage(err error) (string, bool) {
	var chatErr *Error
	var fieldErr *protocol.FieldError
	switch {
	case errors.As(err, &chatErr):
		return chatErr.Message, true
	case errors.As(err, &fieldErr):
		return fieldErr.Error(), true
	case errors.Is(err, auth.ErrInvalidCredentials):
		return protocol.MsgInvalidCredentials, true
	case errors.Is(err, auth.ErrInvalidSession):
		return protocol.MsgInvalidSession, true
	case errors.Is(err, store.ErrUsernameTaken):
		return protocol.MsgUsernameTaken, true
	default:
		return protocol.MsgInternal, false
	}
}
