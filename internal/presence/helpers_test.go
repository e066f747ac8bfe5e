package presence_test

import (
	"context"
	"io"

	"github.com/redes-chat/chatserver/internal/store"
)

type nopConn struct{}

func (nopConn) Read(context.Context) ([]byte, error) { return nil, io.EOF }
func (nopConn) Write(context.Context, []byte) error { return nil }
func (nopConn) Close() error { return nil }
func (nopConn) RemoteAddr() string { return "127.0.0.1:0" }

func sessionFor(userID string) store.Session {
	return store.Session{Token: "t-" + userID, UserID: userID, Username: userID}
}
