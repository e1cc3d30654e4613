package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"referralchat/app/model"
	"referralchat/app/service/assembler"
	"referralchat/app/service/augment"
	"referralchat/app/service/completion"
	"referralchat/app/service/relay"
	"referralchat/app/store"
	"referralchat/app/util/mylog"

	"github.com/samber/do"
	"github.com/samber/oops"
)

const DefaultHistoryLimit = 30

// ErrClosed is returned for turns submitted after Shutdown.
var ErrClosed = errors.New("conversation service is shut down")

var _ do.Shutdownable = (*Service)(nil)

type Assembler interface {
	BuildContext(ctx context.Context, threadID string, role model.Role) ([]model.ContextEntry, error)
}

type Augmenter interface {
	MaybeAugment(ctx context.Context, text string) (string, bool)
}

type Completer interface {
	Complete(ctx context.Context, window []model.ContextEntry, augmentation string, role model.Role) (string, error)
}

// ThreadLocker extends the per-thread section to every process sharing the
// store. Stores that serve a single process do not implement it.
type ThreadLocker interface {
	LockThread(ctx context.Context, threadID string) (func(), error)
}

type TurnResult struct {
	ThreadID         string        `json:"thread_id"`
	UserMessage      model.Message `json:"user_message"`
	AssistantMessage model.Message `json:"assistant_message"`
	AssistantText    string        `json:"assistant_text"`
}

type Service struct {
	store     store.Store
	relay     relay.Relay
	assembler Assembler
	augmenter Augmenter
	completer Completer

	locks  *threadLocks
	shared ThreadLocker

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func New(di *do.Injector) (*Service, error) {
	return NewService(
		do.MustInvoke[store.Store](di),
		do.MustInvoke[relay.Relay](di),
		do.MustInvoke[*assembler.Service](di),
		do.MustInvoke[*augment.Service](di),
		do.MustInvoke[*completion.Service](di),
	), nil
}

func NewService(
	st store.Store,
	rl relay.Relay,
	assemblerSvc Assembler,
	augmenter Augmenter,
	completer Completer,
) *Service {
	s := &Service{
		store:     st,
		relay:     rl,
		assembler: assemblerSvc,
		augmenter: augmenter,
		completer: completer,
		locks:     newThreadLocks(),
	}

	if locker, ok := st.(ThreadLocker); ok {
		s.shared = locker
	}

	return s
}

// SubmitTurn stores the user text in the thread registered under threadKey,
// generates a reply and stores it too. Turns of one thread run one at a time.
//
// ctx bounds only the wait for the thread. Once the turn has started it runs
// to completion even if ctx is canceled; the caller then gets ctx.Err() and
// observes the outcome through history or a subscription.
func (s *Service) SubmitTurn(ctx context.Context, threadKey string, role model.Role, text string) (*TurnResult, error) {
	if strings.TrimSpace(threadKey) == "" {
		return nil, invalid("thread key is empty")
	}
	if model.NormalizeText(text) == "" {
		return nil, invalid("message text is empty")
	}
	if s.isClosed() {
		return nil, ErrClosed
	}

	thread, err := s.store.EnsureThread(ctx, threadKey, role)
	if err != nil {
		return nil, err
	}

	logger := slog.With("thread_id", thread.ID, "role", role.String())
	logger.Debug("Turn state", "state", "ThreadEnsured")

	release, err := s.lockThread(ctx, thread.ID)
	if err != nil {
		return nil, err
	}

	if !s.track() {
		release()
		return nil, ErrClosed
	}

	type outcome struct {
		result *TurnResult
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		defer s.inflight.Done()
		defer release()

		result, err := s.runTurn(context.WithoutCancel(ctx), logger, thread.ID, role, text)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		logger.Info("Caller left, turn continues in background")
		return nil, ctx.Err()
	}
}

func (s *Service) runTurn(ctx context.Context, logger *slog.Logger, threadID string, role model.Role, text string) (*TurnResult, error) {
	start := time.Now()

	userMsg, err := s.persistUserTurn(ctx, logger, threadID, text)
	if err != nil {
		logger.Warn("Turn failed", "state", "Failed", "error", err)
		return nil, err
	}
	logger.Debug("Turn state", "state", "UserPersisted", "message_id", userMsg.ID)

	window, err := s.assembler.BuildContext(ctx, threadID, role)
	if err != nil {
		logger.Warn("Turn failed", "state", "Failed", "error", err)
		return nil, err
	}
	logger.Debug("Turn state", "state", "ContextBuilt", "entries", len(window))

	augmentation, ok := s.augmenter.MaybeAugment(ctx, text)
	if ok {
		logger.Debug("Turn state", "state", "Augmented")
	}

	logger.Debug("Turn state", "state", "CompletionRequested")

	reply, err := s.completer.Complete(ctx, window, augmentation, role)
	if err != nil {
		logger.Warn("Turn failed, user message kept for retry",
			"state", "Failed",
			"message_id", userMsg.ID,
			"error", err,
			mylog.TelegramKey, true,
		)
		return nil, err
	}

	assistantMsg, err := s.store.Append(ctx, threadID, model.AuthorAssistant, reply)
	if err != nil {
		logger.Error("Turn failed", "state", "Failed", "error", err)
		return nil, err
	}
	s.publish(ctx, logger, assistantMsg)

	logger.Info("Turn completed",
		"state", "AssistantPersisted+Published",
		"augmented", ok,
		"duration", time.Since(start),
	)

	return &TurnResult{
		ThreadID:         threadID,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		AssistantText:    reply,
	}, nil
}

// persistUserTurn appends text unless the thread already ends with the same
// unanswered user message, which is what a retry after a failed turn finds.
func (s *Service) persistUserTurn(ctx context.Context, logger *slog.Logger, threadID, text string) (model.Message, error) {
	last, err := s.store.LoadWindow(ctx, threadID, 1)
	if err != nil {
		return model.Message{}, err
	}

	if len(last) == 1 &&
		last[0].Author == model.AuthorUser &&
		model.NormalizeText(last[0].Body) == model.NormalizeText(text) {
		logger.Info("Retrying unanswered user message", "message_id", last[0].ID)
		return last[0], nil
	}

	msg, err := s.store.Append(ctx, threadID, model.AuthorUser, text)
	if err != nil {
		return model.Message{}, err
	}
	s.publish(ctx, logger, msg)

	return msg, nil
}

// publish failures are logged only. The row is already durable and
// subscribers recover by re-reading the store.
func (s *Service) publish(ctx context.Context, logger *slog.Logger, msg model.Message) {
	if err := s.relay.Publish(ctx, msg); err != nil {
		logger.Error("Failed to publish message",
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// GetHistory returns up to limit most recent messages of the thread, oldest
// first. A non-positive limit selects DefaultHistoryLimit.
func (s *Service) GetHistory(ctx context.Context, threadID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	return s.store.LoadWindow(ctx, threadID, limit)
}

// Subscribe registers for change notifications of an existing thread. The
// subscription is closed when ctx is done.
func (s *Service) Subscribe(ctx context.Context, threadID string) (*relay.Subscription, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	sub, err := s.relay.Subscribe(threadID)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	context.AfterFunc(ctx, sub.Close)

	return sub, nil
}

func (s *Service) GetThread(ctx context.Context, id string) (model.Thread, error) {
	return s.store.GetThread(ctx, id)
}

func (s *Service) GetThreadByKey(ctx context.Context, key string) (model.Thread, error) {
	return s.store.GetThreadByKey(ctx, key)
}

// lockThread takes the in-process section first so only one turn per thread
// and process waits on the shared lock.
func (s *Service) lockThread(ctx context.Context, threadID string) (func(), error) {
	release, err := s.locks.acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if s.shared == nil {
		return release, nil
	}

	unlock, err := s.shared.LockThread(ctx, threadID)
	if err != nil {
		release()
		return nil, err
	}

	return func() {
		unlock()
		release()
	}, nil
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.inflight.Add(1)

	return true
}

// Shutdown rejects new turns and waits for the running ones.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.inflight.Wait()

	return nil
}

func invalid(format string, args ...any) error {
	return oops.
		In("conversation").
		Code("invalid_input").
		Wrapf(model.ErrInvalidInput, format, args...)
}
