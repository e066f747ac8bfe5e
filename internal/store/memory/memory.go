// Package memory implements store.Store in process memory.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redes-chat/chatserver/internal/store"
)

type chat struct {
	store.Chat
	seq          uint64
	participants []store.Participant
	messages     []*store.Message
}

// Store keeps every entity in maps guarded by a single mutex.
type Store struct {
	mu sync.RWMutex

	now func() time.Time
	seq uint64

	users      map[string]store.User
	byUsername map[string]string
	sessions   map[string]store.Session
	chats      map[string]*chat
	groups     map[string]store.Group
	dms        map[string]string
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		now:        func() time.Time { return time.Now().UTC() },
		users:      make(map[string]store.User),
		byUsername: make(map[string]string),
		sessions:   make(map[string]store.Session),
		chats:      make(map[string]*chat),
		groups:     make(map[string]store.Group),
		dms:        make(map[string]string),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateUser(_ context.Context, username, passwordHash string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byUsername[username]; ok {
		return store.User{}, store.ErrUsernameTaken
	}
	u := store.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    s.now(),
	}
	s.users[u.ID] = u
	s.byUsername[username] = u.ID
	return u, nil
}

func (s *Store) UserByUsername(_ context.Context, username string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[username]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return s.users[id], nil
}

func (s *Store) UserByID(_ context.Context, id string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Store) SearchUsers(_ context.Context, query, excludeID string, limit int) ([]store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(query)
	var out []store.User
	for _, u := range s.users {
		if u.ID == excludeID || !strings.Contains(strings.ToLower(u.Username), q) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateSession(_ context.Context, userID string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSessionLocked(userID)
}

func (s *Store) createSessionLocked(userID string) (store.Session, error) {
	u, ok := s.users[userID]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	sess := store.Session{
		Token:     uuid.NewString(),
		UserID:    u.ID,
		Username:  u.Username,
		CreatedAt: s.now(),
	}
	s.sessions[sess.Token] = sess
	return sess, nil
}

func (s *Store) SessionByToken(_ context.Context, token string) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[token]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (s *Store) DeleteSession(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, token)
	return nil
}

func (s *Store) ReplaceSession(_ context.Context, userID string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return store.Session{}, store.ErrNotFound
	}
	for token, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, token)
		}
	}
	return s.createSessionLocked(userID)
}

func (s *Store) UserChats(_ context.Context, userID string) ([]store.ChatSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		summary store.ChatSummary
		seq     uint64
	}
	var entries []entry
	for _, c := range s.chats {
		if !c.has(userID) {
			continue
		}
		sum := store.ChatSummary{
			Chat:         s.chatView(c),
			Participants: append([]store.Participant(nil), c.participants...),
		}
		if n := len(c.messages); n > 0 {
			last := copyMessage(c.messages[n-1])
			sum.LastMessage = &last
		}
		entries = append(entries, entry{summary: sum, seq: c.seq})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.summary.UpdatedAt.Equal(b.summary.UpdatedAt) {
			return a.summary.UpdatedAt.After(b.summary.UpdatedAt)
		}
		return a.seq > b.seq
	})

	out := make([]store.ChatSummary, len(entries))
	for i, e := range entries {
		out[i] = e.summary
	}
	return out, nil
}

func (s *Store) Chat(_ context.Context, chatID string) (store.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[chatID]
	if !ok {
		return store.Chat{}, store.ErrNotFound
	}
	return s.chatView(c), nil
}

func (s *Store) Participants(_ context.Context, chatID string) ([]store.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]store.Participant(nil), c.participants...), nil
}

func (s *Store) IsParticipant(_ context.Context, chatID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[chatID]
	if !ok {
		return false, store.ErrNotFound
	}
	return c.has(userID), nil
}

func (s *Store) FindOrCreateDM(_ context.Context, userA, userB string) (store.Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.DMKey(userA, userB)
	if id, ok := s.dms[key]; ok {
		return s.chatView(s.chats[id]), false, nil
	}
	for _, id := range []string{userA, userB} {
		if _, ok := s.users[id]; !ok {
			return store.Chat{}, false, store.ErrNotFound
		}
	}

	c := s.newChat(store.ChatDM)
	s.join(c, userA)
	s.join(c, userB)
	s.dms[key] = c.ID
	return s.chatView(c), true, nil
}

func (s *Store) CreateGroup(_ context.Context, name, creatorID string, memberIDs []string) (store.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := store.UniqueIDs(append([]string{creatorID}, memberIDs...))
	for _, id := range members {
		if _, ok := s.users[id]; !ok {
			return store.Group{}, store.ErrNotFound
		}
	}

	c := s.newChat(store.ChatGroup)
	g := store.Group{
		ID:        uuid.NewString(),
		ChatID:    c.ID,
		Name:      name,
		CreatorID: creatorID,
		CreatedAt: c.CreatedAt,
	}
	c.GroupID = g.ID
	s.groups[g.ID] = g
	for _, id := range members {
		s.join(c, id)
	}
	return g, nil
}

func (s *Store) Group(_ context.Context, groupID string) (store.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return store.Group{}, store.ErrNotFound
	}
	return g, nil
}

func (s *Store) ListGroups(_ context.Context) ([]store.GroupSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.GroupSummary, 0, len(s.groups))
	seqs := make(map[string]uint64, len(s.groups))
	for _, g := range s.groups {
		c := s.chats[g.ChatID]
		out = append(out, store.GroupSummary{Group: g, MemberCount: len(c.participants)})
		seqs[g.ID] = c.seq
	}
	sort.Slice(out, func(i, j int) bool { return seqs[out[i].ID] > seqs[out[j].ID] })
	return out, nil
}

func (s *Store) AddParticipant(_ context.Context, chatID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return false, store.ErrNotFound
	}
	if _, ok := s.users[userID]; !ok {
		return false, store.ErrNotFound
	}
	if c.has(userID) {
		return false, nil
	}
	s.join(c, userID)
	c.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) RemoveParticipant(_ context.Context, chatID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return false, store.ErrNotFound
	}
	for i, p := range c.participants {
		if p.UserID == userID {
			c.participants = append(c.participants[:i], c.participants[i+1:]...)
			c.UpdatedAt = s.now()
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) RenameGroup(_ context.Context, groupID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return store.ErrNotFound
	}
	g.Name = name
	s.groups[groupID] = g
	if c, ok := s.chats[g.ChatID]; ok {
		c.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) DeleteGroup(_ context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return store.ErrNotFound
	}
	if c, ok := s.chats[g.ChatID]; ok {
		c.messages = nil
		c.participants = nil
		delete(s.chats, c.ID)
	}
	delete(s.groups, groupID)
	return nil
}

func (s *Store) InsertMessage(_ context.Context, chatID, senderID, content string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	sender, ok := s.users[senderID]
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	m := &store.Message{
		ID:             uuid.NewString(),
		ChatID:         chatID,
		SenderID:       senderID,
		SenderUsername: sender.Username,
		Content:        content,
		Timestamp:      s.now(),
		ReadBy:         []string{},
	}
	c.messages = append(c.messages, m)
	c.UpdatedAt = m.Timestamp
	return copyMessage(m), nil
}

func (s *Store) Messages(_ context.Context, chatID string, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil, store.ErrNotFound
	}
	msgs := c.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]store.Message, len(msgs))
	for i, m := range msgs {
		out[i] = copyMessage(m)
	}
	return out, nil
}

func (s *Store) MarkRead(_ context.Context, chatID, readerID string, messageIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil, store.ErrNotFound
	}
	var wanted map[string]struct{}
	if len(messageIDs) > 0 {
		wanted = make(map[string]struct{}, len(messageIDs))
		for _, id := range messageIDs {
			wanted[id] = struct{}{}
		}
	}

	now := s.now()
	marked := []string{}
	for _, m := range c.messages {
		if m.SenderID == readerID {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[m.ID]; !ok {
				continue
			}
		}
		if contains(m.ReadBy, readerID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, readerID)
		if m.ReadAt == nil {
			t := now
			m.ReadAt = &t
		}
		marked = append(marked, m.ID)
	}
	return marked, nil
}

func (s *Store) newChat(typ store.ChatType) *chat {
	s.seq++
	now := s.now()
	c := &chat{
		Chat: store.Chat{
			ID:        uuid.NewString(),
			Type:      typ,
			CreatedAt: now,
			UpdatedAt: now,
		},
		seq: s.seq,
	}
	s.chats[c.ID] = c
	return c
}

func (s *Store) join(c *chat, userID string) {
	c.participants = append(c.participants, store.Participant{
		UserID:   userID,
		Username: s.users[userID].Username,
		JoinedAt: s.now(),
	})
}

// chatView fills the group columns from the current group row.
func (s *Store) chatView(c *chat) store.Chat {
	v := c.Chat
	if g, ok := s.groups[c.GroupID]; ok {
		v.GroupName = g.Name
		v.GroupCreatorID = g.CreatorID
	}
	return v
}

func (c *chat) has(userID string) bool {
	for _, p := range c.participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func copyMessage(m *store.Message) store.Message {
	out := *m
	out.ReadBy = append([]string{}, m.ReadBy...)
	if m.ReadAt != nil {
		t := *m.ReadAt
		out.ReadAt = &t
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
