package chat

import (
	"context"
	"fmt"

	"github.com/redes-chat/chatserver/internal/store"
	"github.com/redes-chat/chatserver/pkg/protocol"
)

func (r *Router) register(ctx context.Context, c *call, cmd *protocol.Register) (any, error) {
	_, sess, err := r.auth.Register(ctx, cmd.Username, cmd.Password)
	if err != nil {
		return nil, err
	}
	return r.bind(c, sess)
}

func (r *Router) login(ctx context.Context, c *call, cmd *protocol.Login) (any, error) {
	_, sess, err := r.auth.Login(ctx, cmd.Username, cmd.Password)
	if err != nil {
		return nil, err
	}
	return r.bind(c, sess)
}

func (r *Router) authenticate(ctx context.Context, c *call, cmd *protocol.Auth) (any, error) {
	sess, err := r.auth.Authenticate(ctx, cmd.Token)
	if err != nil {
		return nil, err
	}
	return r.bind(c, sess)
}

func (r *Router) bind(c *call, sess store.Session) (any, error) {
	if err := r.registry.BindSession(c.client.ID, sess); err != nil {
		return nil, fmt.Errorf("bind session: %w", err)
	}
	r.logger.Info().
		Str("conn_id", c.client.ID).
		Str("user_id", sess.UserID).
		Str("username", sess.Username).
		Msg("session bound")
	return newAuthView(sess), nil
}

func (r *Router) logout(ctx context.Context, c *call, _ *protocol.Logout) (any, error) {
	if err := r.auth.Logout(ctx, c.session.Token); err != nil {
		return nil, err
	}
	r.registry.Unbind(c.client.ID)
	return okMessage("Logged out"), nil
}
