// Package store defines the persistence contract of the chat server and the
// entities it moves around. Implementations live in the memory and postgres
// subpackages.
package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when a looked-up entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUsernameTaken is returned by CreateUser for a duplicate username.
	ErrUsernameTaken = errors.New("username already exists")
)

// ChatType distinguishes direct conversations from group chats.
type ChatType string

const (
	ChatDM    ChatType = "dm"
	ChatGroup ChatType = "group"
)

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is an authenticated login identified by an opaque token.
type Session struct {
	Token     string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Chat is a conversation. Group chats carry the group's id, name and creator.
type Chat struct {
	ID             string
	Type           ChatType
	GroupID        string
	GroupName      string
	GroupCreatorID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Participant struct {
	UserID   string
	Username string
	JoinedAt time.Time
}

type Group struct {
	ID        string
	ChatID    string
	Name      string
	CreatorID string
	CreatedAt time.Time
}

type GroupSummary struct {
	Group
	MemberCount int
}

type Message struct {
	ID             string
	ChatID         string
	SenderID       string
	SenderUsername string
	Content        string
	Timestamp      time.Time
	ReadAt         *time.Time
	ReadBy         []string
}

// ChatSummary is one entry of a user's chat list.
type ChatSummary struct {
	Chat
	Participants []Participant
	LastMessage  *Message
}

// Store is the persistence collaborator of the chat router. Every method is
// safe for concurrent use.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	// SearchUsers matches usernames containing query, excluding excludeID.
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]User, error)

	CreateSession(ctx context.Context, userID string) (Session, error)
	SessionByToken(ctx context.Context, token string) (Session, error)
	DeleteSession(ctx context.Context, token string) error
	// ReplaceSession atomically drops every session of userID and creates a
	// new one.
	ReplaceSession(ctx context.Context, userID string) (Session, error)

	// UserChats lists the chats of a user, most recently updated first.
	UserChats(ctx context.Context, userID string) ([]ChatSummary, error)
	Chat(ctx context.Context, chatID string) (Chat, error)
	Participants(ctx context.Context, chatID string) ([]Participant, error)
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	// FindOrCreateDM returns the single DM chat of an unordered user pair.
	FindOrCreateDM(ctx context.Context, userA, userB string) (Chat, bool, error)

	// CreateGroup creates a group, its chat, and adds the creator plus members.
	CreateGroup(ctx context.Context, name, creatorID string, memberIDs []string) (Group, error)
	Group(ctx context.Context, groupID string) (Group, error)
	// ListGroups lists every group, newest first.
	ListGroups(ctx context.Context) ([]GroupSummary, error)
	// AddParticipant reports false when the user already participates.
	AddParticipant(ctx context.Context, chatID, userID string) (bool, error)
	// RemoveParticipant reports false when the user did not participate.
	RemoveParticipant(ctx context.Context, chatID, userID string) (bool, error)
	RenameGroup(ctx context.Context, groupID, name string) error
	// DeleteGroup removes the group's messages, participants, chat and group.
	DeleteGroup(ctx context.Context, groupID string) error

	InsertMessage(ctx context.Context, chatID, senderID, content string) (Message, error)
	// Messages returns the newest limit messages in chronological order.
	Messages(ctx context.Context, chatID string, limit int) ([]Message, error)
	// MarkRead records readerID as a reader of messages sent by others and
	// returns the ids that were not read by readerID before. An empty
	// messageIDs selects every message of the chat.
	MarkRead(ctx context.Context, chatID, readerID string, messageIDs []string) ([]string, error)

	Close() error
}

// DMKey is the order-independent identity of a user pair.
func DMKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// UniqueIDs drops empty and repeated ids, keeping first occurrence order.
func UniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
