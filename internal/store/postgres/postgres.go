// Package postgres implements store.Store on PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	_ "embed"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/redes-chat/chatserver/internal/store"
)

//go:embed schema.sql
var schema string

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to databaseURL and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (store.User, error) {
	var u store.User
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3)
		 RETURNING id, username, password_hash, created_at`,
		uuid.NewString(), username, passwordHash,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if pgCode(err) == codeUniqueViolation {
		return store.User{}, store.ErrUsernameTaken
	}
	if err != nil {
		return store.User{}, errors.Wrapf(err, "insert user %q", username)
	}
	return u, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (store.User, error) {
	return s.user(ctx, `WHERE username = $1`, username)
}

func (s *Store) UserByID(ctx context.Context, id string) (store.User, error) {
	return s.user(ctx, `WHERE id = $1`, id)
}

func (s *Store) user(ctx context.Context, where string, arg string) (store.User, error) {
	var u store.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at FROM users `+where, arg,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return store.User{}, notFound(err, "select user")
	}
	return u, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]store.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, password_hash, created_at FROM users
		 WHERE username ILIKE '%' || $1 || '%' AND id <> $2
		 ORDER BY username
		 LIMIT $3`,
		likeEscaper.Replace(query), excludeID, limitArg(limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "search users")
	}
	defer rows.Close()

	var out []store.User
	for rows.Next() {
		var u store.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "search users")
}

func (s *Store) CreateSession(ctx context.Context, userID string) (store.Session, error) {
	return createSession(ctx, s.pool, userID)
}

func createSession(ctx context.Context, q querier, userID string) (store.Session, error) {
	var sess store.Session
	err := q.QueryRow(ctx,
		`WITH s AS (
			INSERT INTO sessions (token, user_id) VALUES ($1, $2)
			RETURNING token, user_id, created_at
		 )
		 SELECT s.token, s.user_id, u.username, s.created_at
		 FROM s JOIN users u ON u.id = s.user_id`,
		uuid.NewString(), userID,
	).Scan(&sess.Token, &sess.UserID, &sess.Username, &sess.CreatedAt)
	if pgCode(err) == codeForeignKeyViolation {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, errors.Wrapf(err, "insert session for user %s", userID)
	}
	return sess, nil
}

func (s *Store) SessionByToken(ctx context.Context, token string) (store.Session, error) {
	var sess store.Session
	err := s.pool.QueryRow(ctx,
		`SELECT s.token, s.user_id, u.username, s.created_at
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.token = $1`,
		token,
	).Scan(&sess.Token, &sess.UserID, &sess.Username, &sess.CreatedAt)
	if err != nil {
		return store.Session{}, notFound(err, "select session")
	}
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return errors.Wrap(err, "delete session")
}

// ReplaceSession locks the user row so that concurrent logins of the same
// user run one after the other.
func (s *Store) ReplaceSession(ctx context.Context, userID string) (store.Session, error) {
	var sess store.Session
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return errors.Wrapf(err, "lock user %s", userID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
			return errors.Wrapf(err, "delete sessions of user %s", userID)
		}
		sess, err = createSession(ctx, tx, userID)
		return err
	})
	if err != nil {
		return store.Session{}, err
	}
	return sess, nil
}

const chatColumns = `cs.id, cs.type, COALESCE(cs.group_id, ''), COALESCE(g.name, ''),
	COALESCE(g.creator_id, ''), cs.created_at, cs.updated_at`

func scanChat(row pgx.Row) (store.Chat, error) {
	var c store.Chat
	var typ string
	err := row.Scan(&c.ID, &typ, &c.GroupID, &c.GroupName, &c.GroupCreatorID, &c.CreatedAt, &c.UpdatedAt)
	c.Type = store.ChatType(typ)
	return c, err
}

func (s *Store) UserChats(ctx context.Context, userID string) ([]store.ChatSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+chatColumns+`
		 FROM chat_sessions cs
		 JOIN chat_participants me ON me.chat_session_id = cs.id AND me.user_id = $1
		 LEFT JOIN chat_groups g ON g.id = cs.group_id
		 ORDER BY cs.updated_at DESC, cs.seq DESC`,
		userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select user chats")
	}
	var chats []store.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan chat")
		}
		chats = append(chats, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "select user chats")
	}

	out := make([]store.ChatSummary, 0, len(chats))
	for _, c := range chats {
		parts, err := participants(ctx, s.pool, c.ID)
		if err != nil {
			return nil, err
		}
		last, err := s.Messages(ctx, c.ID, 1)
		if err != nil {
			return nil, err
		}
		sum := store.ChatSummary{Chat: c, Participants: parts}
		if len(last) == 1 {
			sum.LastMessage = &last[0]
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Store) Chat(ctx context.Context, chatID string) (store.Chat, error) {
	c, err := scanChat(s.pool.QueryRow(ctx,
		`SELECT `+chatColumns+`
		 FROM chat_sessions cs LEFT JOIN chat_groups g ON g.id = cs.group_id
		 WHERE cs.id = $1`,
		chatID,
	))
	if err != nil {
		return store.Chat{}, notFound(err, "select chat")
	}
	return c, nil
}

func (s *Store) Participants(ctx context.Context, chatID string) ([]store.Participant, error) {
	if err := chatExists(ctx, s.pool, chatID); err != nil {
		return nil, err
	}
	return participants(ctx, s.pool, chatID)
}

func participants(ctx context.Context, q querier, chatID string) ([]store.Participant, error) {
	rows, err := q.Query(ctx,
		`SELECT cp.user_id, u.username, cp.joined_at
		 FROM chat_participants cp JOIN users u ON u.id = cp.user_id
		 WHERE cp.chat_session_id = $1
		 ORDER BY cp.joined_at, u.username`,
		chatID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select participants")
	}
	defer rows.Close()

	var out []store.Participant
	for rows.Next() {
		var p store.Participant
		if err := rows.Scan(&p.UserID, &p.Username, &p.JoinedAt); err != nil {
			return nil, errors.Wrap(err, "scan participant")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "select participants")
}

func chatExists(ctx context.Context, q querier, chatID string) error {
	var ok bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_sessions WHERE id = $1)`, chatID).Scan(&ok); err != nil {
		return errors.Wrap(err, "check chat")
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_participants WHERE chat_session_id = $1 AND user_id = $2)`,
		chatID, userID,
	).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "check participant")
	}
	if !ok {
		return false, chatExists(ctx, s.pool, chatID)
	}
	return true, nil
}

// FindOrCreateDM relies on the unique dm_key so that concurrent callers for
// the same pair converge on one row.
func (s *Store) FindOrCreateDM(ctx context.Context, userA, userB string) (store.Chat, bool, error) {
	key := store.DMKey(userA, userB)
	created := false

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx,
			`INSERT INTO chat_sessions (id, type, dm_key) VALUES ($1, 'dm', $2)
			 ON CONFLICT (dm_key) DO NOTHING
			 RETURNING id`,
			uuid.NewString(), key,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "insert dm")
		}
		for _, u := range []string{userA, userB} {
			if err := addParticipant(ctx, tx, id, u); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return store.Chat{}, false, err
	}

	c, err := scanChat(s.pool.QueryRow(ctx,
		`SELECT `+chatColumns+`
		 FROM chat_sessions cs LEFT JOIN chat_groups g ON g.id = cs.group_id
		 WHERE cs.dm_key = $1`,
		key,
	))
	if err != nil {
		return store.Chat{}, false, notFound(err, "select dm")
	}
	return c, created, nil
}

func addParticipant(ctx context.Context, q querier, chatID, userID string) error {
	_, err := q.Exec(ctx,
		`INSERT INTO chat_participants (chat_session_id, user_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		chatID, userID,
	)
	if pgCode(err) == codeForeignKeyViolation {
		return store.ErrNotFound
	}
	return errors.Wrap(err, "insert participant")
}

func (s *Store) CreateGroup(ctx context.Context, name, creatorID string, memberIDs []string) (store.Group, error) {
	g := store.Group{
		ID:        uuid.NewString(),
		ChatID:    uuid.NewString(),
		Name:      name,
		CreatorID: creatorID,
	}
	members := store.UniqueIDs(append([]string{creatorID}, memberIDs...))

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO chat_groups (id, name, creator_id) VALUES ($1, $2, $3) RETURNING created_at`,
			g.ID, g.Name, g.CreatorID,
		).Scan(&g.CreatedAt)
		if pgCode(err) == codeForeignKeyViolation {
			return store.ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "insert group")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_sessions (id, type, group_id) VALUES ($1, 'group', $2)`,
			g.ChatID, g.ID,
		); err != nil {
			return errors.Wrap(err, "insert group chat")
		}
		for _, id := range members {
			if err := addParticipant(ctx, tx, g.ChatID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.Group{}, err
	}
	return g, nil
}

func (s *Store) Group(ctx context.Context, groupID string) (store.Group, error) {
	var g store.Group
	err := s.pool.QueryRow(ctx,
		`SELECT g.id, cs.id, g.name, g.creator_id, g.created_at
		 FROM chat_groups g JOIN chat_sessions cs ON cs.group_id = g.id
		 WHERE g.id = $1`,
		groupID,
	).Scan(&g.ID, &g.ChatID, &g.Name, &g.CreatorID, &g.CreatedAt)
	if err != nil {
		return store.Group{}, notFound(err, "select group")
	}
	return g, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]store.GroupSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT g.id, cs.id, g.name, g.creator_id, g.created_at,
			(SELECT COUNT(*) FROM chat_participants cp WHERE cp.chat_session_id = cs.id)
		 FROM chat_groups g JOIN chat_sessions cs ON cs.group_id = g.id
		 ORDER BY g.created_at DESC, cs.seq DESC`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select groups")
	}
	defer rows.Close()

	var out []store.GroupSummary
	for rows.Next() {
		var g store.GroupSummary
		if err := rows.Scan(&g.ID, &g.ChatID, &g.Name, &g.CreatorID, &g.CreatedAt, &g.MemberCount); err != nil {
			return nil, errors.Wrap(err, "scan group")
		}
		out = append(out, g)
	}
	return out, errors.Wrap(rows.Err(), "select groups")
}

func (s *Store) AddParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	added := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO chat_participants (chat_session_id, user_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			chatID, userID,
		)
		if pgCode(err) == codeForeignKeyViolation {
			return store.ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "insert participant")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		added = true
		return touch(ctx, tx, chatID)
	})
	return added, err
}

func (s *Store) RemoveParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	removed := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM chat_participants WHERE chat_session_id = $1 AND user_id = $2`,
			chatID, userID,
		)
		if err != nil {
			return errors.Wrap(err, "delete participant")
		}
		if tag.RowsAffected() == 0 {
			return chatExists(ctx, tx, chatID)
		}
		removed = true
		return touch(ctx, tx, chatID)
	})
	return removed, err
}

func touch(ctx context.Context, q querier, chatID string) error {
	_, err := q.Exec(ctx, `UPDATE chat_sessions SET updated_at = now() WHERE id = $1`, chatID)
	return errors.Wrap(err, "touch chat")
}

func (s *Store) RenameGroup(ctx context.Context, groupID, name string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE chat_groups SET name = $2 WHERE id = $1`, groupID, name)
		if err != nil {
			return errors.Wrap(err, "rename group")
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		_, err = tx.Exec(ctx, `UPDATE chat_sessions SET updated_at = now() WHERE group_id = $1`, groupID)
		return errors.Wrap(err, "touch group chat")
	})
}

func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM chat_groups WHERE id = $1)`, groupID,
		).Scan(&exists); err != nil {
			return errors.Wrap(err, "check group")
		}
		if !exists {
			return store.ErrNotFound
		}

		steps := []struct {
			what string
			sql  string
		}{
			{"messages", `DELETE FROM messages WHERE chat_session_id IN (SELECT id FROM chat_sessions WHERE group_id = $1)`},
			{"participants", `DELETE FROM chat_participants WHERE chat_session_id IN (SELECT id FROM chat_sessions WHERE group_id = $1)`},
			{"chat", `DELETE FROM chat_sessions WHERE group_id = $1`},
			{"group", `DELETE FROM chat_groups WHERE id = $1`},
		}
		for _, step := range steps {
			if _, err := tx.Exec(ctx, step.sql, groupID); err != nil {
				return errors.Wrapf(err, "delete group %s", step.what)
			}
		}
		return nil
	})
}

func (s *Store) InsertMessage(ctx context.Context, chatID, senderID, content string) (store.Message, error) {
	m := store.Message{ChatID: chatID, SenderID: senderID, Content: content, ReadBy: []string{}}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`WITH m AS (
				INSERT INTO messages (id, chat_session_id, sender_id, content) VALUES ($1, $2, $3, $4)
				RETURNING id, sender_id, timestamp
			 )
			 SELECT m.id, u.username, m.timestamp FROM m JOIN users u ON u.id = m.sender_id`,
			uuid.NewString(), chatID, senderID, content,
		).Scan(&m.ID, &m.SenderUsername, &m.Timestamp)
		if pgCode(err) == codeForeignKeyViolation {
			return store.ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "insert message")
		}
		return touch(ctx, tx, chatID)
	})
	if err != nil {
		return store.Message{}, err
	}
	return m, nil
}

func (s *Store) Messages(ctx context.Context, chatID string, limit int) ([]store.Message, error) {
	if err := chatExists(ctx, s.pool, chatID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_session_id, sender_id, username, content, timestamp, read_at, read_by FROM (
			SELECT m.id, m.chat_session_id, m.sender_id, u.username, m.content, m.timestamp,
				m.read_at, m.read_by, m.seq
			FROM messages m JOIN users u ON u.id = m.sender_id
			WHERE m.chat_session_id = $1
			ORDER BY m.seq DESC
			LIMIT $2
		 ) newest ORDER BY seq`,
		chatID, limitArg(limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	defer rows.Close()

	out := []store.Message{}
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderUsername, &m.Content,
			&m.Timestamp, &m.ReadAt, &m.ReadBy); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "select messages")
}

func (s *Store) MarkRead(ctx context.Context, chatID, readerID string, messageIDs []string) ([]string, error) {
	if err := chatExists(ctx, s.pool, chatID); err != nil {
		return nil, err
	}
	var ids []string
	if len(messageIDs) > 0 {
		ids = messageIDs
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE messages
		 SET read_by = array_append(read_by, $2::text), read_at = COALESCE(read_at, now())
		 WHERE chat_session_id = $1
		   AND sender_id <> $2::text
		   AND NOT ($2::text = ANY (read_by))
		   AND ($3::text[] IS NULL OR id = ANY ($3::text[]))
		 RETURNING id`,
		chatID, readerID, ids,
	)
	if err != nil {
		return nil, errors.Wrap(err, "mark messages read")
	}
	marked, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "mark messages read")
	}
	if marked == nil {
		marked = []string{}
	}
	return marked, nil
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return errors.Wrap(err, what)
}
