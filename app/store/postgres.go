package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"referralchat/app/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

const unlockTimeout = 5 * time.Second

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storageErr(err, "open postgres pool")
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storageErr(err, "ping postgres")
	}

	return &Postgres{pool: pool}, nil
}

// Pool exposes the connection pool to components sharing the database, such
// as the NOTIFY based relay.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Postgres) Migrate(ctx context.Context) error {
	statements, err := readSchema("postgres.sql")
	if err != nil {
		return storageErr(err, "migrate")
	}

	for _, stmt := range statements {
		if _, err = s.pool.Exec(ctx, stmt); err != nil {
			return storageErr(err, "migrate")
		}
	}

	return nil
}

func (s *Postgres) EnsureThread(ctx context.Context, key string, role model.Role) (model.Thread, error) {
	if err := validateKey(key); err != nil {
		return model.Thread{}, err
	}

	metadata, err := encodeMetadata(defaultMetadata(role))
	if err != nil {
		return model.Thread{}, storageErr(err, "ensure thread")
	}

	// The no-op update makes RETURNING yield the existing row on conflict.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO threads (id, key, role, metadata, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (key) DO UPDATE SET key = EXCLUDED.key
		RETURNING id, key, role, metadata::text, created_at`,
		uuid.NewString(), key, role.String(), metadata, now(),
	)

	thread, err := scanPostgresThread(row)
	if err != nil {
		return model.Thread{}, storageErr(err, "ensure thread")
	}

	return thread, nil
}

func (s *Postgres) GetThread(ctx context.Context, id string) (model.Thread, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, key, role, metadata::text, created_at
		FROM threads WHERE id = $1`, id)

	thread, err := scanPostgresThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Thread{}, threadNotFound("id", id)
	}
	if err != nil {
		return model.Thread{}, storageErr(err, "get thread")
	}

	return thread, nil
}

func (s *Postgres) GetThreadByKey(ctx context.Context, key string) (model.Thread, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, key, role, metadata::text, created_at
		FROM threads WHERE key = $1`, key)

	thread, err := scanPostgresThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Thread{}, threadNotFound("key", key)
	}
	if err != nil {
		return model.Thread{}, storageErr(err, "get thread by key")
	}

	return thread, nil
}

func (s *Postgres) Append(ctx context.Context, threadID string, author model.Author, text string) (model.Message, error) {
	if err := validateAppend(threadID, author, text); err != nil {
		return model.Message{}, err
	}

	msg := model.Message{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Author:   author,
		Body:     text,
	}

	// created_at never goes below the newest row of the thread, so timestamp
	// order matches append order even if the clock steps back.
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, thread_id, author, body, created_at)
		SELECT $1::text, t.id, $3::text, $4::text, GREATEST($5::timestamptz, COALESCE(
			(SELECT max(m.created_at) FROM messages m WHERE m.thread_id = t.id), $5::timestamptz))
		FROM threads t
		WHERE t.id = $2::text
		RETURNING seq, created_at`,
		msg.ID, threadID, string(author), text, now(),
	).Scan(&msg.Seq, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, threadNotFound("id", threadID)
	}
	if err != nil {
		return model.Message{}, storageErr(err, "append message")
	}

	msg.CreatedAt = msg.CreatedAt.UTC()

	return msg, nil
}

func (s *Postgres) LoadWindow(ctx context.Context, threadID string, limit int) ([]model.Message, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, seq, thread_id, author, body, created_at FROM (
			SELECT id, seq, thread_id, author, body, created_at
			FROM messages
			WHERE thread_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) w
		ORDER BY created_at, seq`, threadID, limit)
	if err != nil {
		return nil, storageErr(err, "load window")
	}

	messages, err := pgx.CollectRows(rows, scanPostgresMessage)
	if err != nil {
		return nil, storageErr(err, "load window")
	}

	return messages, nil
}

func (s *Postgres) MessagesAfter(ctx context.Context, threadID string, afterSeq int64, limit int) ([]model.Message, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, seq, thread_id, author, body, created_at
		FROM messages
		WHERE thread_id = $1 AND seq > $2
		ORDER BY created_at, seq
		LIMIT $3`, threadID, afterSeq, limit)
	if err != nil {
		return nil, storageErr(err, "messages after")
	}

	messages, err := pgx.CollectRows(rows, scanPostgresMessage)
	if err != nil {
		return nil, storageErr(err, "messages after")
	}

	return messages, nil
}

// LockThread holds a session advisory lock for threadID on a dedicated pool
// connection, so turns of one thread are exclusive across every process
// sharing the database. Waiting honours ctx; the returned func unlocks.
func (s *Postgres) LockThread(ctx context.Context, threadID string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, storageErr(err, "lock thread")
	}

	if _, err = conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1::text, 0))`, threadID); err != nil {
		// Closing the session drops a lock that may have been granted
		// concurrently with the cancellation.
		_ = conn.Hijack().Close(context.Background())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, storageErr(err, "lock thread")
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()

			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1::text, 0))`, threadID); err != nil {
				slog.Warn("Thread unlock failed, closing session", "thread_id", threadID, "error", err)
				_ = conn.Hijack().Close(context.Background())
				return
			}

			conn.Release()
		})
	}, nil
}

func (s *Postgres) Shutdown() error {
	s.pool.Close()

	return nil
}

func scanPostgresThread(row pgx.Row) (model.Thread, error) {
	var (
		thread   model.Thread
		role     string
		metadata string
	)

	if err := row.Scan(&thread.ID, &thread.Key, &role, &metadata, &thread.CreatedAt); err != nil {
		return model.Thread{}, err
	}

	thread.Role = model.ParseRole(role)
	metadataMap, err := decodeMetadata(metadata)
	if err != nil {
		return model.Thread{}, err
	}
	thread.Metadata = metadataMap
	thread.CreatedAt = thread.CreatedAt.UTC()

	return thread, nil
}

func scanPostgresMessage(row pgx.CollectableRow) (model.Message, error) {
	var (
		msg       model.Message
		author    string
		createdAt time.Time
	)

	if err := row.Scan(&msg.ID, &msg.Seq, &msg.ThreadID, &author, &msg.Body, &createdAt); err != nil {
		return model.Message{}, err
	}

	msg.Author = model.Author(author)
	msg.CreatedAt = createdAt.UTC()

	return msg, nil
}
