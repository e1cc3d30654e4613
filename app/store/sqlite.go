package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"referralchat/app/model"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var _ Store = (*SQLite)(nil)

// SQLite is the embedded backend used for local runs and tests. Timestamps
// are stored as unix microseconds.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr(err, "create sqlite dir")
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, storageErr(err, "open sqlite")
	}

	// A single connection serialises writers.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, storageErr(err, "ping sqlite")
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	statements, err := readSchema("sqlite.sql")
	if err != nil {
		return storageErr(err, "migrate")
	}

	for _, stmt := range statements {
		if _, err = s.db.ExecContext(ctx, stmt); err != nil {
			return storageErr(err, "migrate")
		}
	}

	return nil
}

func (s *SQLite) EnsureThread(ctx context.Context, key string, role model.Role) (model.Thread, error) {
	if err := validateKey(key); err != nil {
		return model.Thread{}, err
	}

	metadata, err := encodeMetadata(defaultMetadata(role))
	if err != nil {
		return model.Thread{}, storageErr(err, "ensure thread")
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO threads (id, key, role, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET key = excluded.key
		RETURNING id, key, role, metadata, created_at`,
		uuid.NewString(), key, role.String(), metadata, now().UnixMicro(),
	)

	thread, err := scanSQLiteThread(row)
	if err != nil {
		return model.Thread{}, storageErr(err, "ensure thread")
	}

	return thread, nil
}

func (s *SQLite) GetThread(ctx context.Context, id string) (model.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, role, metadata, created_at FROM threads WHERE id = ?`, id)

	thread, err := scanSQLiteThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Thread{}, threadNotFound("id", id)
	}
	if err != nil {
		return model.Thread{}, storageErr(err, "get thread")
	}

	return thread, nil
}

func (s *SQLite) GetThreadByKey(ctx context.Context, key string) (model.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, role, metadata, created_at FROM threads WHERE key = ?`, key)

	thread, err := scanSQLiteThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Thread{}, threadNotFound("key", key)
	}
	if err != nil {
		return model.Thread{}, storageErr(err, "get thread by key")
	}

	return thread, nil
}

func (s *SQLite) Append(ctx context.Context, threadID string, author model.Author, text string) (model.Message, error) {
	if err := validateAppend(threadID, author, text); err != nil {
		return model.Message{}, err
	}

	msg := model.Message{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Author:   author,
		Body:     text,
	}

	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, thread_id, author, body, created_at)
		SELECT ?, t.id, ?, ?, MAX(?, COALESCE(
			(SELECT MAX(m.created_at) FROM messages m WHERE m.thread_id = t.id), 0))
		FROM threads t
		WHERE t.id = ?
		RETURNING seq, created_at`,
		msg.ID, string(author), text, now().UnixMicro(), threadID,
	).Scan(&msg.Seq, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, threadNotFound("id", threadID)
	}
	if err != nil {
		return model.Message{}, storageErr(err, "append message")
	}

	msg.CreatedAt = time.UnixMicro(createdAt).UTC()

	return msg, nil
}

func (s *SQLite) LoadWindow(ctx context.Context, threadID string, limit int) ([]model.Message, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, thread_id, author, body, created_at FROM (
			SELECT id, seq, thread_id, author, body, created_at
			FROM messages
			WHERE thread_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at, seq`, threadID, limit)
	if err != nil {
		return nil, storageErr(err, "load window")
	}

	messages, err := collectSQLiteMessages(rows)
	if err != nil {
		return nil, storageErr(err, "load window")
	}

	return messages, nil
}

func (s *SQLite) MessagesAfter(ctx context.Context, threadID string, afterSeq int64, limit int) ([]model.Message, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, thread_id, author, body, created_at
		FROM messages
		WHERE thread_id = ? AND seq > ?
		ORDER BY created_at, seq
		LIMIT ?`, threadID, afterSeq, limit)
	if err != nil {
		return nil, storageErr(err, "messages after")
	}

	messages, err := collectSQLiteMessages(rows)
	if err != nil {
		return nil, storageErr(err, "messages after")
	}

	return messages, nil
}

func (s *SQLite) Shutdown() error {
	return s.db.Close()
}

func scanSQLiteThread(row *sql.Row) (model.Thread, error) {
	var (
		thread    model.Thread
		role      string
		metadata  string
		createdAt int64
	)

	if err := row.Scan(&thread.ID, &thread.Key, &role, &metadata, &createdAt); err != nil {
		return model.Thread{}, err
	}

	thread.Role = model.ParseRole(role)
	metadataMap, err := decodeMetadata(metadata)
	if err != nil {
		return model.Thread{}, err
	}
	thread.Metadata = metadataMap
	thread.CreatedAt = time.UnixMicro(createdAt).UTC()

	return thread, nil
}

func collectSQLiteMessages(rows *sql.Rows) ([]model.Message, error) {
	defer rows.Close()

	messages := make([]model.Message, 0)
	for rows.Next() {
		var (
			msg       model.Message
			author    string
			createdAt int64
		)

		if err := rows.Scan(&msg.ID, &msg.Seq, &msg.ThreadID, &author, &msg.Body, &createdAt); err != nil {
			return nil, err
		}

		msg.Author = model.Author(author)
		msg.CreatedAt = time.UnixMicro(createdAt).UTC()
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
