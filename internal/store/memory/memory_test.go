package memory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redes-chat/chatserver/internal/store"
	"github.com/redes-chat/chatserver/internal/store/memory"
)

func newUsers(t *testing.T, s store.Store, names ...string) []store.User {
	t.Helper()
	users := make([]store.User, len(names))
	for i, name := range names {
		u, err := s.CreateUser(context.Background(), name, "hash-"+name)
		require.NoError(t, err)
		users[i] = u
	}
	return users
}

func TestStore_Users(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	users := newUsers(t, s, "alice", "alicia", "bob")

	_, err := s.CreateUser(ctx, "alice", "x")
	assert.ErrorIs(t, err, store.ErrUsernameTaken)

	got, err := s.UserByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, users[2].ID, got.ID)

	_, err = s.UserByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	found, err := s.SearchUsers(ctx, "ALI", users[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "alicia", found[0].Username)
}

func TestStore_Sessions(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	u := newUsers(t, s, "alice")[0]

	first, err := s.CreateSession(ctx, u.ID)
	require.NoError(t, err)
	second, err := s.CreateSession(ctx, u.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)

	got, err := s.SessionByToken(ctx, second.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	third, err := s.ReplaceSession(ctx, u.ID)
	require.NoError(t, err)
	_, err = s.SessionByToken(ctx, first.Token)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.SessionByToken(ctx, second.Token)
	assert.ErrorIs(t, err, store.ErrNotFound)
	got, err = s.SessionByToken(ctx, third.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)

	_, err = s.ReplaceSession(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_FindOrCreateDM_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	users := newUsers(t, s, "alice", "bob")

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := users[0].ID, users[1].ID
			if i%2 == 1 {
				a, b = b, a
			}
			c, _, err := s.FindOrCreateDM(ctx, a, b)
			assert.NoError(t, err)
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	chats, err := s.UserChats(ctx, users[0].ID)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestStore_Groups(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	users := newUsers(t, s, "owner", "m1", "m2")

	g, err := s.CreateGroup(ctx, "team", users[0].ID, []string{users[1].ID, users[1].ID, users[0].ID})
	require.NoError(t, err)

	parts, err := s.Participants(ctx, g.ChatID)
	require.NoError(t, err)
	assert.Len(t, parts, 2)

	added, err := s.AddParticipant(ctx, g.ChatID, users[2].ID)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.AddParticipant(ctx, g.ChatID, users[2].ID)
	require.NoError(t, err)
	assert.False(t, added)

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 3, groups[0].MemberCount)

	require.NoError(t, s.RenameGroup(ctx, g.ID, "renamed"))
	c, err := s.Chat(ctx, g.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", c.GroupName)
	assert.Equal(t, users[0].ID, c.GroupCreatorID)

	_, err = s.CreateGroup(ctx, "bad", users[0].ID, []string{"ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.InsertMessage(ctx, g.ChatID, users[1].ID, "hello")
	require.NoError(t, err)
	require.NoError(t, s.DeleteGroup(ctx, g.ID))

	_, err = s.Group(ctx, g.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Chat(ctx, g.ChatID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Messages(ctx, g.ChatID, 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_MessagesAndReceipts(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	users := newUsers(t, s, "alice", "bob")
	c, _, err := s.FindOrCreateDM(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.InsertMessage(ctx, c.ID, users[i%2].ID, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	msgs, err := s.Messages(ctx, c.ID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m2", "m3", "m4"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})

	marked, err := s.MarkRead(ctx, c.ID, users[1].ID, nil)
	require.NoError(t, err)
	assert.Len(t, marked, 3, "bob reads the three messages alice sent")

	again, err := s.MarkRead(ctx, c.ID, users[1].ID, nil)
	require.NoError(t, err)
	assert.Empty(t, again)

	msgs, err = s.Messages(ctx, c.ID, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.SenderID == users[0].ID {
			assert.Equal(t, []string{users[1].ID}, m.ReadBy)
			assert.NotNil(t, m.ReadAt)
		} else {
			assert.Empty(t, m.ReadBy)
		}
	}

	chats, err := s.UserChats(ctx, users[1].ID)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	require.NotNil(t, chats[0].LastMessage)
	assert.Equal(t, "m4", chats[0].LastMessage.Content)
}
