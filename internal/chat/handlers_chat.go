package chat

import (
	"context"
	"errors"
	"time"

	"github.com/redes-chat/chatserver/internal/store"
	"github.com/redes-chat/chatserver/pkg/protocol"
)

// chatAccess loads a chat the caller participates in.
func (r *Router) chatAccess(ctx context.Context, chatID, userID string) (store.Chat, error) {
	chat, err := r.store.Chat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Chat{}, clientError(protocol.MsgChatNotFound)
	}
	if err != nil {
		return store.Chat{}, err
	}
	ok, err := r.store.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return store.Chat{}, err
	}
	if !ok {
		return store.Chat{}, clientError(protocol.MsgNotParticipant)
	}
	return chat, nil
}

func (r *Router) getUserChats(ctx context.Context, c *call, _ *protocol.GetUserChats) (any, error) {
	sums, err := r.store.UserChats(ctx, c.userID())
	if err != nil {
		return nil, err
	}
	chats := make([]chatView, len(sums))
	for i, sum := range sums {
		chats[i] = newChatSummaryView(sum, c.userID())
	}
	return struct {
		Chats []chatView `json:"chats"`
	}{chats}, nil
}

func (r *Router) getChat(ctx context.Context, c *call, cmd *protocol.GetChat) (any, error) {
	chat, err := r.chatAccess(ctx, cmd.ChatID, c.userID())
	if err != nil {
		return nil, err
	}
	parts, err := r.store.Participants(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	return struct {
		Chat chatView `json:"chat"`
	}{newChatView(chat, parts, c.userID())}, nil
}

func (r *Router) getMessages(ctx context.Context, c *call, cmd *protocol.GetMessages) (any, error) {
	if _, err := r.chatAccess(ctx, cmd.ChatID, c.userID()); err != nil {
		return nil, err
	}
	limit := cmd.Limit
	if limit <= 0 {
		limit = r.opts.HistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	msgs, err := r.store.Messages(ctx, cmd.ChatID, limit)
	if err != nil {
		return nil, err
	}

	if cmd.MarkRead && len(msgs) > 0 {
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		marked, err := r.markAndNotify(ctx, c, cmd.ChatID, ids)
		if err != nil {
			return nil, err
		}
		applyReceipts(msgs, marked, c.userID(), time.Now())
	}

	views := make([]messageView, len(msgs))
	for i, m := range msgs {
		views[i] = newMessageView(m)
	}
	return struct {
		ChatID   string        `json:"chat_id"`
		Messages []messageView `json:"messages"`
	}{cmd.ChatID, views}, nil
}

// applyReceipts reflects a MarkRead result in already loaded messages.
func applyReceipts(msgs []store.Message, marked []string, readerID string, at time.Time) {
	set := make(map[string]struct{}, len(marked))
	for _, id := range marked {
		set[id] = struct{}{}
	}
	for i := range msgs {
		if _, ok := set[msgs[i].ID]; !ok {
			continue
		}
		msgs[i].ReadBy = append(msgs[i].ReadBy, readerID)
		if msgs[i].ReadAt == nil {
			t := at
			msgs[i].ReadAt = &t
		}
	}
}

func (r *Router) sendMessage(ctx context.Context, c *call, cmd *protocol.SendMessage) (any, error) {
	if _, err := r.chatAccess(ctx, cmd.ChatID, c.userID()); err != nil {
		return nil, err
	}
	msg, err := r.store.InsertMessage(ctx, cmd.ChatID, c.userID(), cmd.Content)
	if err != nil {
		return nil, err
	}
	parts, err := r.store.Participants(ctx, cmd.ChatID)
	if err != nil {
		return nil, err
	}
	c.emit(participantIDs(parts), protocol.EventMessageNew, newMessageView(msg))

	return struct {
		MessageID string `json:"message_id"`
		ChatID    string `json:"chat_id"`
		Timestamp string `json:"timestamp"`
	}{msg.ID, msg.ChatID, formatTime(msg.Timestamp)}, nil
}

func (r *Router) markRead(ctx context.Context, c *call, cmd *protocol.MarkRead) (any, error) {
	if _, err := r.chatAccess(ctx, cmd.ChatID, c.userID()); err != nil {
		return nil, err
	}
	marked, err := r.markAndNotify(ctx, c, cmd.ChatID, cmd.MessageIDs)
	if err != nil {
		return nil, err
	}
	return struct {
		ChatID     string   `json:"chat_id"`
		MessageIDs []string `json:"message_ids"`
	}{cmd.ChatID, marked}, nil
}

// markAndNotify marks messages read and, when any receipt changed, tells the
// other participants with a messages_read event.
func (r *Router) markAndNotify(ctx context.Context, c *call, chatID string, ids []string) ([]string, error) {
	marked, err := r.store.MarkRead(ctx, chatID, c.userID(), ids)
	if err != nil {
		return nil, err
	}
	if len(marked) == 0 {
		return marked, nil
	}
	parts, err := r.store.Participants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	others := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.UserID != c.userID() {
			others = append(others, p.UserID)
		}
	}
	c.emit(others, protocol.EventMessagesRead, readEvent{
		ChatSessionID:  chatID,
		ReaderID:       c.userID(),
		ReaderUsername: c.session.Username,
		MessageIDs:     marked,
		ReadAt:         formatTime(time.Now()),
	})
	return marked, nil
}

func (r *Router) searchUsers(ctx context.Context, c *call, cmd *protocol.SearchUsers) (any, error) {
	users, err := r.store.SearchUsers(ctx, cmd.Query, c.userID(), searchLimit)
	if err != nil {
		return nil, err
	}
	return struct {
		Users []userView `json:"users"`
	}{newUserViews(users)}, nil
}

func (r *Router) createDM(ctx context.Context, c *call, cmd *protocol.CreateDM) (any, error) {
	if cmd.OtherUserID == c.userID() {
		return nil, clientError(protocol.MsgSelfDM)
	}
	if _, err := r.store.UserByID(ctx, cmd.OtherUserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, clientError(protocol.MsgUserNotFound)
		}
		return nil, err
	}

	chat, created, err := r.store.FindOrCreateDM(ctx, c.userID(), cmd.OtherUserID)
	if err != nil {
		return nil, err
	}
	parts, err := r.store.Participants(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	r.logger.Debug().Str("chat_id", chat.ID).Bool("created", created).Msg("dm resolved")

	return struct {
		ChatID string   `json:"chat_id"`
		Chat   chatView `json:"chat"`
	}{chat.ID, newChatView(chat, parts, c.userID())}, nil
}
