package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"parley/internal/models"

	_ "modernc.org/sqlite"
)

type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens the database at dsn and applies the schema.
func NewSQLiteStorage(dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps sequence checks and in-memory databases consistent.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStorage{db: db}, nil
}

// Migrate creates the schema. Statements are idempotent.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_seq INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			conversation_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL UNIQUE,
			sender_id INTEGER NOT NULL,
			body TEXT NOT NULL,
			attachments TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			reply_to_id TEXT NOT NULL DEFAULT '',
			client_message_id TEXT NOT NULL DEFAULT '',
			edited BOOLEAN NOT NULL DEFAULT 0,
			deleted BOOLEAN NOT NULL DEFAULT 0,
			PRIMARY KEY (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS presence (
			user_id INTEGER PRIMARY KEY,
			status TEXT NOT NULL,
			status_message TEXT NOT NULL DEFAULT '',
			oof_enabled BOOLEAN NOT NULL DEFAULT 0,
			oof_start INTEGER NOT NULL DEFAULT 0,
			oof_end INTEGER NOT NULL DEFAULT 0,
			oof_internal_message TEXT NOT NULL DEFAULT '',
			oof_external_message TEXT NOT NULL DEFAULT '',
			last_active_at INTEGER NOT NULL DEFAULT 0,
			status_updated_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS push_subscriptions (
			endpoint TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			auth TEXT NOT NULL,
			p256dh TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_push_subscriptions_user ON push_subscriptions(user_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	conv, err := ValidateConversation(conv)
	if err != nil {
		return conv, err
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO conversations (kind, created_at) VALUES (?, ?)`,
		string(conv.Kind), conv.CreatedAt.UnixNano())
	if err != nil {
		return models.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if conv.ID, err = res.LastInsertId(); err != nil {
		return models.Conversation{}, fmt.Errorf("last insert id: %w", err)
	}
	for _, userID := range conv.ParticipantIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`,
			conv.ID, userID); err != nil {
			return models.Conversation{}, fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Conversation{}, fmt.Errorf("commit: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStorage) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	conv := models.Conversation{ID: conversationID}
	var kind string
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `SELECT kind, created_at FROM conversations WHERE id = ?`, conversationID).
		Scan(&kind, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return conv, fmt.Errorf("conversation %d: %w", conversationID, models.ErrNotFound)
	}
	if err != nil {
		return conv, fmt.Errorf("get conversation: %w", err)
	}
	conv.Kind = models.ConversationKind(kind)
	conv.CreatedAt = fromUnixNano(createdAt)
	if conv.ParticipantIDs, err = s.participants(ctx, conversationID); err != nil {
		return conv, err
	}
	return conv, nil
}

func (s *SQLiteStorage) participants(ctx context.Context, conversationID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStorage) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()

	convs := make([]models.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

func (s *SQLiteStorage) FetchConversationParticipants(ctx context.Context, conversationID int64) ([]int64, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)`, conversationID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, models.ErrNotFound)
	}
	return s.participants(ctx, conversationID)
}

func (s *SQLiteStorage) CreateMessage(ctx context.Context, msg models.Message) error {
	attachments, err := json.Marshal(attachmentsOrEmpty(msg.Attachments))
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET last_seq = MAX(last_seq, ?) WHERE id = ?`,
		msg.Seq, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %d: %w", msg.ConversationID, models.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, seq, id, sender_id, body, attachments, created_at,
			reply_to_id, client_message_id, edited, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Seq, msg.ID, msg.SenderID, msg.Body, string(attachments),
		msg.CreatedAt.UnixNano(), msg.ReplyToID, msg.ClientMessageID, msg.Edited, msg.Deleted)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

func attachmentsOrEmpty(a []models.Attachment) []models.Attachment {
	if a == nil {
		return []models.Attachment{}
	}
	return a
}

func (s *SQLiteStorage) FetchMessages(ctx context.Context, conversationID, before int64, limit int) ([]models.Message, error) {
	query := `
		SELECT conversation_id, seq, id, sender_id, body, attachments, created_at,
			reply_to_id, client_message_id, edited, deleted
		FROM messages
		WHERE conversation_id = ?`
	args := []any{conversationID}
	if before > 0 {
		query += ` AND seq < ?`
		args = append(args, before)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []models.Message
	for rows.Next() {
		var m models.Message
		var attachments string
		var createdAt int64
		if err := rows.Scan(
			&m.ConversationID,
			&m.Seq,
			&m.ID,
			&m.SenderID,
			&m.Body,
			&attachments,
			&createdAt,
			&m.ReplyToID,
			&m.ClientMessageID,
			&m.Edited,
			&m.Deleted,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
		if len(m.Attachments) == 0 {
			m.Attachments = nil
		}
		m.CreatedAt = fromUnixNano(createdAt)
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest first from the query; callers get ascending order.
	slices.Reverse(res)
	return res, nil
}

func (s *SQLiteStorage) MessageSequence(ctx context.Context, conversationID int64, messageID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, messageID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("message %q: %w", messageID, models.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("message sequence: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStorage) LastSequence(ctx context.Context, conversationID int64) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT last_seq FROM conversations WHERE id = ?`, conversationID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return last, nil
}

const presenceColumns = `user_id, status, status_message, oof_enabled, oof_start, oof_end,
	oof_internal_message, oof_external_message, last_active_at, status_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPresence(row rowScanner) (models.PresenceRecord, error) {
	var p DBPresence
	err := row.Scan(
		&p.UserID,
		&p.Status,
		&p.StatusMessage,
		&p.OOFEnabled,
		&p.OOFStart,
		&p.OOFEnd,
		&p.OOFInternalMessage,
		&p.OOFExternalMessage,
		&p.LastActiveAt,
		&p.StatusUpdatedAt,
	)
	return p.model(), err
}

func (s *SQLiteStorage) GetPresence(ctx context.Context, userID int64) (models.PresenceRecord, error) {
	rec, err := scanPresence(s.db.QueryRowContext(ctx, `SELECT `+presenceColumns+` FROM presence WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.PresenceRecord{}, fmt.Errorf("presence of user %d: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return models.PresenceRecord{}, fmt.Errorf("get presence: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStorage) UpsertPresence(ctx context.Context, rec models.PresenceRecord) error {
	p := newDBPresence(rec)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", 10), ", ")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (`+presenceColumns+`) VALUES (`+placeholders+`)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			status_message = excluded.status_message,
			oof_enabled = excluded.oof_enabled,
			oof_start = excluded.oof_start,
			oof_end = excluded.oof_end,
			oof_internal_message = excluded.oof_internal_message,
			oof_external_message = excluded.oof_external_message,
			last_active_at = excluded.last_active_at,
			status_updated_at = excluded.status_updated_at`,
		p.UserID, p.Status, p.StatusMessage, p.OOFEnabled, p.OOFStart, p.OOFEnd,
		p.OOFInternalMessage, p.OOFExternalMessage, p.LastActiveAt, p.StatusUpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListPresence(ctx context.Context) ([]models.PresenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+presenceColumns+` FROM presence ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	var records []models.PresenceRecord
	for rows.Next() {
		rec, err := scanPresence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStorage) UpsertPushSubscription(ctx context.Context, sub models.PushSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (endpoint, user_id, auth, p256dh) VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET user_id = excluded.user_id, auth = excluded.auth, p256dh = excluded.p256dh`,
		sub.Endpoint, sub.UserID, sub.Auth, sub.P256dh)
	if err != nil {
		return fmt.Errorf("upsert push subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListPushSubscriptions(ctx context.Context, userID int64) ([]models.PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, endpoint, auth, p256dh FROM push_subscriptions WHERE user_id = ? ORDER BY endpoint`, userID)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		var sub models.PushSubscription
		if err := rows.Scan(&sub.UserID, &sub.Endpoint, &sub.Auth, &sub.P256dh); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStorage) DeletePushSubscription(ctx context.Context, endpoint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint); err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}
