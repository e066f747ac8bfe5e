package auth_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/redes-chat/chatserver/internal/auth"
	"github.com/redes-chat/chatserver/internal/store"
	"github.com/redes-chat/chatserver/internal/store/memory"
)

func newService() *auth.Service {
	return auth.NewService(memory.New(), auth.NewBcryptHasher(bcrypt.MinCost))
}

func TestBcryptHasher(t *testing.T) {
	h := auth.NewBcryptHasher(bcrypt.MinCost)
	hash, err := h.Hash("secret")
	require.NoError(t, err)
	assert.NotEqual(t, "secret", hash)
	assert.NoError(t, h.Compare(hash, "secret"))
	assert.Error(t, h.Compare(hash, "wrong"))

	assert.Equal(t, bcrypt.DefaultCost, auth.NewBcryptHasher(0).Cost)
}

func TestService_RegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	user, sess, err := svc.Register(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, user.ID, sess.UserID)

	_, _, err = svc.Register(ctx, "alice", "other")
	assert.ErrorIs(t, err, store.ErrUsernameTaken)

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{name: "correct password", username: "alice", password: "pw"},
		{name: "wrong password", username: "alice", password: "nope", wantErr: auth.ErrInvalidCredentials},
		{name: "unknown user", username: "bob", password: "pw", wantErr: auth.ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Login(ctx, tt.username, tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestService_LoginReplacesSessions(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	_, first, err := svc.Register(ctx, "alice", "pw")
	require.NoError(t, err)
	_, second, err := svc.Login(ctx, "alice", "pw")
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, first.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidSession)

	got, err := svc.Authenticate(ctx, second.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	require.NoError(t, svc.Logout(ctx, second.Token))
	_, err = svc.Authenticate(ctx, second.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidSession)
}

// lockstepStore holds every UserByUsername caller until all of them have
// arrived, so the logins that follow reach the session step together.
type lockstepStore struct {
	*memory.Store
	arrived sync.WaitGroup
}

func (s *lockstepStore) UserByUsername(ctx context.Context, username string) (store.User, error) {
	s.arrived.Done()
	s.arrived.Wait()
	return s.Store.UserByUsername(ctx, username)
}

func TestService_ConcurrentLoginsKeepOneSession(t *testing.T) {
	ctx := context.Background()
	st := &lockstepStore{Store: memory.New()}
	svc := auth.NewService(st, auth.NewBcryptHasher(bcrypt.MinCost))

	_, _, err := svc.Register(ctx, "alice", "pw")
	require.NoError(t, err)

	const n = 8
	st.arrived.Add(n)
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, sess, err := svc.Login(ctx, "alice", "pw")
			if assert.NoError(t, err) {
				tokens[i] = sess.Token
			}
		}()
	}
	wg.Wait()

	valid := 0
	for _, tok := range tokens {
		if _, err := svc.Authenticate(ctx, tok); err == nil {
			valid++
		}
	}
	assert.Equal(t, 1, valid, "exactly one login must survive")
}
