package assembler

import (
	"context"
	"fmt"

	"referralchat/app/config"
	"referralchat/app/model"
	"referralchat/app/store"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/do"
)

// WindowLoader is the read side of the message store used for context.
type WindowLoader interface {
	LoadWindow(ctx context.Context, threadID string, limit int) ([]model.Message, error)
}

type Service struct {
	loader     WindowLoader
	windowSize int
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return NewService(do.MustInvoke[store.Store](di), cfg.Chat.WindowSize), nil
}

func NewService(loader WindowLoader, windowSize int) *Service {
	return &Service{
		loader:     loader,
		windowSize: windowSize,
	}
}

// BuildContext returns the system prompt for role followed by the most recent
// messages of the thread in reading order. Older turns are dropped.
func (s *Service) BuildContext(ctx context.Context, threadID string, role model.Role) ([]model.ContextEntry, error) {
	window, err := s.loader.LoadWindow(ctx, threadID, s.windowSize)
	if err != nil {
		return nil, fmt.Errorf("load window: %w", err)
	}

	entries := make([]model.ContextEntry, 0, len(window)+1)
	entries = append(entries, model.ContextEntry{
		Author: model.AuthorSystem,
		Text:   SystemPrompt(role),
	})

	return append(entries, pie.Map(window, toContextEntry)...), nil
}

func toContextEntry(msg model.Message) model.ContextEntry {
	author := model.AuthorUser
	if msg.Author == model.AuthorAssistant {
		author = model.AuthorAssistant
	}

	return model.ContextEntry{
		Author: author,
		Text:   msg.Body,
	}
}
