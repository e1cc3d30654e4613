package mylog

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTelegramFilter(t *testing.T) {
	info := slog.NewRecord(time.Now(), slog.LevelInfo, "turn completed", 0)
	assert.False(t, telegramFilter(context.Background(), info))

	tagged := slog.NewRecord(time.Now(), slog.LevelInfo, "turn completed", 0)
	tagged.AddAttrs(slog.Bool(TelegramKey, true))
	assert.True(t, telegramFilter(context.Background(), tagged))

	failure := slog.NewRecord(time.Now(), slog.LevelError, "storage failed", 0)
	assert.True(t, telegramFilter(context.Background(), failure))
}
