package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"referralchat/app/model"

	"github.com/samber/oops"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Store is the durable thread and message log. Append is the only writer of
// message rows.
type Store interface {
	// EnsureThread returns the thread registered under key, creating it when
	// absent. Concurrent calls with the same key observe a single row.
	EnsureThread(ctx context.Context, key string, role model.Role) (model.Thread, error)
	GetThread(ctx context.Context, id string) (model.Thread, error)
	GetThreadByKey(ctx context.Context, key string) (model.Thread, error)

	Append(ctx context.Context, threadID string, author model.Author, text string) (model.Message, error)
	// LoadWindow returns at most limit most recent messages, oldest first.
	LoadWindow(ctx context.Context, threadID string, limit int) ([]model.Message, error)
	// MessagesAfter returns messages with Seq greater than afterSeq, oldest first.
	MessagesAfter(ctx context.Context, threadID string, afterSeq int64, limit int) ([]model.Message, error)

	Migrate(ctx context.Context) error
	Shutdown() error
}

func errb() oops.OopsErrorBuilder {
	return oops.In("store")
}

func storageErr(err error, op string) error {
	return errb().
		Code("storage").
		With("op", op).
		Wrapf(fmt.Errorf("%w: %w", model.ErrStorage, err), "%s", op)
}

func threadNotFound(attr, value string) error {
	return errb().
		Code("not_found").
		With(attr, value).
		Wrapf(model.ErrNotFound, "thread %s=%s", attr, value)
}

func invalid(format string, args ...any) error {
	return errb().
		Code("invalid_input").
		Wrapf(model.ErrInvalidInput, format, args...)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return invalid("thread key is empty")
	}

	return nil
}

func validateAppend(threadID string, author model.Author, text string) error {
	if strings.TrimSpace(threadID) == "" {
		return invalid("thread id is empty")
	}
	if !author.Valid() {
		return invalid("unknown author %q", author)
	}
	if model.NormalizeText(text) == "" {
		return invalid("message text is empty")
	}

	return nil
}

func validateLimit(limit int) error {
	if limit <= 0 {
		return invalid("limit must be positive, got %d", limit)
	}

	return nil
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	return string(data), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	metadata := map[string]string{}
	if raw == "" {
		return metadata, nil
	}

	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	return metadata, nil
}

func defaultMetadata(role model.Role) map[string]string {
	return map[string]string{
		"source": "chat",
		"role":   role.String(),
	}
}

// now is truncated to the precision both backends persist.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func readSchema(name string) ([]string, error) {
	data, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}

	var statements []string
	for _, stmt := range strings.Split(string(data), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}

	return statements, nil
}
