package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"referralchat/app/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// runStoreContract checks the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("EnsureThreadIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.EnsureThread(ctx, "demo-1", model.RoleHost)
		require.NoError(t, err)
		second, err := s.EnsureThread(ctx, "demo-1", model.RoleVendor)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, model.RoleHost, second.Role)
		assert.Equal(t, "host", second.Metadata["role"])
		assert.NotEmpty(t, first.ID)
		assert.NotEqual(t, "demo-1", first.ID)
	})

	t.Run("EnsureThreadRejectsEmptyKey", func(t *testing.T) {
		s := newStore(t)

		_, err := s.EnsureThread(context.Background(), "  ", model.RoleDefault)
		require.ErrorIs(t, err, model.ErrInvalidInput)
	})

	t.Run("EnsureThreadUnderRace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var (
			mu  sync.Mutex
			ids = map[string]struct{}{}
		)

		var g errgroup.Group
		for i := 0; i < 16; i++ {
			g.Go(func() error {
				thread, err := s.EnsureThread(ctx, "race-key", model.RoleReferrer)
				if err != nil {
					return err
				}

				mu.Lock()
				ids[thread.ID] = struct{}{}
				mu.Unlock()

				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Len(t, ids, 1)

		byKey, err := s.GetThreadByKey(ctx, "race-key")
		require.NoError(t, err)
		assert.Contains(t, ids, byKey.ID)
	})

	t.Run("GetThreadNotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetThread(ctx, "missing")
		require.ErrorIs(t, err, model.ErrNotFound)

		_, err = s.GetThreadByKey(ctx, "missing")
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("AppendValidation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		thread, err := s.EnsureThread(ctx, "validation", model.RoleDefault)
		require.NoError(t, err)

		_, err = s.Append(ctx, thread.ID, model.AuthorUser, " \n\t")
		require.ErrorIs(t, err, model.ErrInvalidInput)

		_, err = s.Append(ctx, thread.ID, model.Author("robot"), "hi")
		require.ErrorIs(t, err, model.ErrInvalidInput)

		_, err = s.Append(ctx, "no-such-thread", model.AuthorUser, "hi")
		require.ErrorIs(t, err, model.ErrNotFound)

		messages, err := s.LoadWindow(ctx, thread.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, messages)
	})

	t.Run("LoadWindowIsOrderedAndBounded", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		thread, err := s.EnsureThread(ctx, "window", model.RoleDefault)
		require.NoError(t, err)

		for i := 0; i < 12; i++ {
			author := model.AuthorUser
			if i%2 == 1 {
				author = model.AuthorAssistant
			}

			_, err = s.Append(ctx, thread.ID, author, fmt.Sprintf("message %d", i))
			require.NoError(t, err)
		}

		window, err := s.LoadWindow(ctx, thread.ID, 5)
		require.NoError(t, err)
		require.Len(t, window, 5)

		for i, msg := range window {
			assert.Equal(t, fmt.Sprintf("message %d", 7+i), msg.Body)
		}
		assertOrdered(t, window)

		all, err := s.LoadWindow(ctx, thread.ID, 100)
		require.NoError(t, err)
		require.Len(t, all, 12)
		assertOrdered(t, all)

		_, err = s.LoadWindow(ctx, thread.ID, 0)
		require.ErrorIs(t, err, model.ErrInvalidInput)
	})

	t.Run("ConcurrentAppendsStayOrdered", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		thread, err := s.EnsureThread(ctx, "parallel", model.RoleDefault)
		require.NoError(t, err)

		var g errgroup.Group
		for i := 0; i < 20; i++ {
			g.Go(func() error {
				_, err := s.Append(ctx, thread.ID, model.AuthorUser, fmt.Sprintf("parallel %d", i))
				return err
			})
		}
		require.NoError(t, g.Wait())

		all, err := s.LoadWindow(ctx, thread.ID, 50)
		require.NoError(t, err)
		require.Len(t, all, 20)
		assertOrdered(t, all)
	})

	t.Run("MessagesAfter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		thread, err := s.EnsureThread(ctx, "after", model.RoleDefault)
		require.NoError(t, err)
		other, err := s.EnsureThread(ctx, "after-other", model.RoleDefault)
		require.NoError(t, err)

		first, err := s.Append(ctx, thread.ID, model.AuthorUser, "one")
		require.NoError(t, err)
		_, err = s.Append(ctx, other.ID, model.AuthorUser, "elsewhere")
		require.NoError(t, err)
		_, err = s.Append(ctx, thread.ID, model.AuthorAssistant, "two")
		require.NoError(t, err)

		rest, err := s.MessagesAfter(ctx, thread.ID, first.Seq, 10)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "two", rest[0].Body)
		assert.Equal(t, model.AuthorAssistant, rest[0].Author)

		everything, err := s.MessagesAfter(ctx, thread.ID, 0, 10)
		require.NoError(t, err)
		assert.Len(t, everything, 2)
	})
}

func assertOrdered(t *testing.T, messages []model.Message) {
	t.Helper()

	seen := map[string]struct{}{}
	for i, msg := range messages {
		_, dup := seen[msg.ID]
		assert.False(t, dup, "duplicate message %s", msg.ID)
		seen[msg.ID] = struct{}{}

		if i == 0 {
			continue
		}

		prev := messages[i-1]
		assert.False(t, msg.CreatedAt.Before(prev.CreatedAt), "message %d goes back in time", i)
		assert.Greater(t, msg.Seq, prev.Seq)
	}
}
