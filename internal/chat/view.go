package chat

import (
	"time"

	"github.com/redes-chat/chatserver/internal/store"
)

const (
	unnamedGroup = "Unnamed group"
	noMessages   = "No messages yet"

	timeLayout = "2006-01-02T15:04:05.000Z07:00"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

type userView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type sessionView struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
}

// authView answers register, login and auth.
type authView struct {
	UserID    string      `json:"user_id"`
	Username  string      `json:"username"`
	SessionID string      `json:"session_id"`
	User      userView    `json:"user"`
	Session   sessionView `json:"session"`
}

func newAuthView(sess store.Session) authView {
	return authView{
		UserID:    sess.UserID,
		Username:  sess.Username,
		SessionID: sess.Token,
		User:      userView{ID: sess.UserID, Username: sess.Username},
		Session: sessionView{
			SessionID: sess.Token,
			UserID:    sess.UserID,
			Username:  sess.Username,
			CreatedAt: formatTime(sess.CreatedAt),
		},
	}
}

func newUserViews(users []store.User) []userView {
	out := make([]userView, len(users))
	for i, u := range users {
		out[i] = userView{ID: u.ID, Username: u.Username}
	}
	return out
}

func participantViews(parts []store.Participant) []userView {
	out := make([]userView, len(parts))
	for i, p := range parts {
		out[i] = userView{ID: p.UserID, Username: p.Username}
	}
	return out
}

func participantIDs(parts []store.Participant) []string {
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = p.UserID
	}
	return ids
}

type messageView struct {
	ID             string   `json:"id"`
	ChatSessionID  string   `json:"chat_session_id"`
	SenderID       string   `json:"sender_id"`
	SenderUsername string   `json:"sender_username"`
	Content        string   `json:"content"`
	Timestamp      string   `json:"timestamp"`
	ReadAt         *string  `json:"read_at"`
	ReadBy         []string `json:"read_by"`
}

func newMessageView(m store.Message) messageView {
	v := messageView{
		ID:             m.ID,
		ChatSessionID:  m.ChatID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		Timestamp:      formatTime(m.Timestamp),
		ReadBy:         m.ReadBy,
	}
	if v.ReadBy == nil {
		v.ReadBy = []string{}
	}
	if m.ReadAt != nil {
		s := formatTime(*m.ReadAt)
		v.ReadAt = &s
	}
	return v
}

type chatView struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Name           string     `json:"name"`
	GroupID        string     `json:"group_id,omitempty"`
	GroupName      string     `json:"group_name,omitempty"`
	GroupCreatorID string     `json:"group_creator_id,omitempty"`
	CreatedAt      string     `json:"created_at"`
	UpdatedAt      string     `json:"updated_at"`
	Participants   []userView `json:"participants"`

	LastMessage     *string `json:"last_message,omitempty"`
	LastMessageTime *string `json:"last_message_time,omitempty"`
	LastSenderID    *string `json:"last_sender_id,omitempty"`
}

func newChatView(c store.Chat, parts []store.Participant, viewerID string) chatView {
	return chatView{
		ID:             c.ID,
		Type:           string(c.Type),
		Name:           displayName(c, parts, viewerID),
		GroupID:        c.GroupID,
		GroupName:      c.GroupName,
		GroupCreatorID: c.GroupCreatorID,
		CreatedAt:      formatTime(c.CreatedAt),
		UpdatedAt:      formatTime(c.UpdatedAt),
		Participants:   participantViews(parts),
	}
}

func newChatSummaryView(sum store.ChatSummary, viewerID string) chatView {
	v := newChatView(sum.Chat, sum.Participants, viewerID)
	preview := noMessages
	v.LastMessage = &preview
	if m := sum.LastMessage; m != nil {
		content, at, sender := m.Content, formatTime(m.Timestamp), m.SenderID
		v.LastMessage, v.LastMessageTime, v.LastSenderID = &content, &at, &sender
	}
	return v
}

// displayName is the other participant's username for a DM and the group
// name for a group chat.
func displayName(c store.Chat, parts []store.Participant, viewerID string) string {
	if c.Type == store.ChatGroup {
		if c.GroupName == "" {
			return unnamedGroup
		}
		return c.GroupName
	}
	for _, p := range parts {
		if p.UserID != viewerID {
			return p.Username
		}
	}
	return ""
}

type groupView struct {
	ID          string   `json:"id"`
	GroupID     string   `json:"group_id"`
	ChatID      string   `json:"chat_id"`
	Name        string   `json:"name"`
	CreatorID   string   `json:"creator_id"`
	CreatedAt   string   `json:"created_at"`
	Members     []string `json:"members,omitempty"`
	MemberCount int      `json:"member_count"`
}

func newGroupView(g store.Group, members []string, count int) groupView {
	name := g.Name
	if name == "" {
		name = unnamedGroup
	}
	return groupView{
		ID:          g.ID,
		GroupID:     g.ID,
		ChatID:      g.ChatID,
		Name:        name,
		CreatorID:   g.CreatorID,
		CreatedAt:   formatTime(g.CreatedAt),
		Members:     members,
		MemberCount: count,
	}
}

// groupEvent is the payload of every group:* event except group:created.
type groupEvent struct {
	GroupID   string `json:"group_id"`
	ChatID    string `json:"chat_id"`
	GroupName string `json:"group_name"`
	UserID    string `json:"user_id,omitempty"`
	ActorID   string `json:"actor_id"`
}

type readEvent struct {
	ChatSessionID  string   `json:"chat_session_id"`
	ReaderID       string   `json:"reader_id"`
	ReaderUsername string   `json:"reader_username"`
	MessageIDs     []string `json:"message_ids"`
	ReadAt         string   `json:"read_at"`
}
