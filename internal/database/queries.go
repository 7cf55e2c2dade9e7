package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-swapchat/internal/types"
)

const (
	conversationColumns = "id, participants, subject_id, subject_title, last_message, created_at, updated_at"
	messageColumns      = "id, conversation_id, sender_id, content, edited, read_by, created_at"
)

// farFuture stands in for "no upper bound" in paged message queries.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (types.Conversation, error) {
	var c types.Conversation
	err := row.Scan(
		&c.Id,
		pq.Array(&c.Participants),
		&c.Subject.Id,
		&c.Subject.Title,
		&c.LastMessage,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func scanMessage(row rowScanner) (types.Message, error) {
	var m types.Message
	err := row.Scan(
		&m.Id,
		&m.ConversationId,
		&m.SenderId,
		&m.Content,
		&m.Edited,
		pq.Array(&m.ReadBy),
		&m.Timestamp,
	)
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	return m, err
}

func (db *PgChatRepository) GetOrCreateConversation(ctx context.Context, params CreateConversationParams) (types.Conversation, bool, error) {
	participants := NormalizeParticipants(params.Participants)
	key := participantKey(participants)

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// the unique index on (participant_key, subject_id) makes concurrent
	// requests for the same pair converge on one row
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO conversations (id, participants, participant_key, subject_id, subject_title, last_message, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, '', $6, $6) ON CONFLICT (participant_key, subject_id) DO NOTHING",
		params.Id,
		pq.Array(participants),
		key,
		params.Subject.Id,
		params.Subject.Title,
		createdAt,
	)
	if err != nil {
		return types.Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return types.Conversation{}, false, fmt.Errorf("rows affected: %w", err)
	}

	row := db.conn.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE participant_key = $1 AND subject_id = $2 LIMIT 1",
		key,
		params.Subject.Id,
	)
	conv, err := scanConversation(row)
	if err != nil {
		return types.Conversation{}, false, fmt.Errorf("select conversation: %w", err)
	}

	if err := db.attachParticipants(ctx, &conv); err != nil {
		return types.Conversation{}, false, err
	}

	return conv, n == 1, nil
}

func (db *PgChatRepository) GetConversation(ctx context.Context, id string) (types.Conversation, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = $1 LIMIT 1",
		id,
	)

	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Conversation{}, ErrNotFound
		}
		return types.Conversation{}, fmt.Errorf("select conversation: %w", err)
	}

	if err := db.attachParticipants(ctx, &conv); err != nil {
		return types.Conversation{}, err
	}

	return conv, nil
}

func (db *PgChatRepository) ListConversations(ctx context.Context, userId string) ([]types.Conversation, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE $1 = ANY(participants) ORDER BY updated_at DESC",
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]types.Conversation, 0)
	var ids []string
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		convs = append(convs, conv)
		ids = append(ids, conv.Participants...)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(convs) == 0 {
		return convs, nil
	}

	users, err := db.getUsers(ctx, NormalizeParticipants(ids))
	if err != nil {
		return nil, err
	}

	for i := range convs {
		convs[i].ParticipantDetails = participantDetails(convs[i].Participants, users)
	}

	return convs, nil
}

// DeleteConversation removes the conversation. Its messages go with it
// through the ON DELETE CASCADE foreign key.
func (db *PgChatRepository) DeleteConversation(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	return expectAffected(res)
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, msg types.Message) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		"UPDATE conversations SET last_message = $2, updated_at = $3 WHERE id = $1",
		msg.ConversationId,
		msg.Content,
		msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if err = expectAffected(res); err != nil {
		return err
	}

	readBy := msg.ReadBy
	if readBy == nil {
		readBy = []string{}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages ("+messageColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7)",
		msg.Id,
		msg.ConversationId,
		msg.SenderId,
		msg.Content,
		msg.Edited,
		pq.Array(readBy),
		msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit()
}

func (db *PgChatRepository) GetMessage(ctx context.Context, id string) (types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 LIMIT 1",
		id,
	)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Message{}, ErrNotFound
		}
		return types.Message{}, fmt.Errorf("select message: %w", err)
	}

	return msg, nil
}

func (db *PgChatRepository) UpdateMessageContent(ctx context.Context, id, content string) (types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE messages SET content = $2, edited = TRUE WHERE id = $1 RETURNING "+messageColumns,
		id,
		content,
	)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Message{}, ErrNotFound
		}
		return types.Message{}, fmt.Errorf("update message: %w", err)
	}

	return msg, nil
}

func (db *PgChatRepository) DeleteMessage(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	return expectAffected(res)
}

// MarkAsRead appends readerId to read_by of every message in the
// conversation the reader did not send and has not read yet, in one
// statement so concurrent receipts cannot overwrite each other.
func (db *PgChatRepository) MarkAsRead(ctx context.Context, conversationId, readerId string) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET read_by = array_append(read_by, $2::text) "+
			"WHERE conversation_id = $1 AND sender_id <> $2::text AND NOT ($2::text = ANY(read_by))",
		conversationId,
		readerId,
	)
	if err != nil {
		return 0, fmt.Errorf("mark as read: %w", err)
	}

	return res.RowsAffected()
}

func (db *PgChatRepository) GetUnreadMessages(ctx context.Context, conversationId, userId string) ([]types.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE conversation_id = $1 AND sender_id <> $2::text AND NOT ($2::text = ANY(read_by)) "+
			"ORDER BY created_at ASC, id ASC",
		conversationId,
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("select unread messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// GetMessages returns up to limit messages strictly before the cursor,
// newest first.
func (db *PgChatRepository) GetMessages(ctx context.Context, conversationId string, before Cursor, limit int) ([]types.Message, error) {
	if before.IsZero() {
		before = Cursor{Timestamp: farFuture}
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE conversation_id = $1 AND (created_at, id) < ($2, $3) "+
			"ORDER BY created_at DESC, id DESC LIMIT $4",
		conversationId,
		before.Timestamp,
		before.Id,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]types.Message, error) {
	messages := make([]types.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func (db *PgChatRepository) attachParticipants(ctx context.Context, conv *types.Conversation) error {
	users, err := db.getUsers(ctx, conv.Participants)
	if err != nil {
		return err
	}

	conv.ParticipantDetails = participantDetails(conv.Participants, users)
	return nil
}

// getUsers reads display info from the profile subsystem's users table.
func (db *PgChatRepository) getUsers(ctx context.Context, ids []string) (map[string]types.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, name, avatar FROM users WHERE id = ANY($1)",
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	users := make(map[string]types.User, len(ids))
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.Id, &u.Name, &u.Avatar); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		users[u.Id] = u
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

func participantDetails(participants []string, users map[string]types.User) []types.User {
	details := make([]types.User, 0, len(participants))
	for _, id := range participants {
		if u, ok := users[id]; ok {
			details = append(details, u)
		} else {
			details = append(details, types.User{Id: id})
		}
	}
	return details
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
