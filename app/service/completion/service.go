package completion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"referralchat/app/config"
	"referralchat/app/model"

	"github.com/samber/do"
	"github.com/samber/oops"
)

// FallbackReply replaces empty or unreadable provider output.
const FallbackReply = "OK"

var temperatures = map[model.Role]float64{
	model.RoleDefault:  0.7,
	model.RoleReferrer: 0.7,
	model.RoleVendor:   0.6,
	model.RoleHost:     0.8,
}

// backend sends one prepared conversation to a provider. An empty string
// with a nil error means the provider answered with nothing usable.
type backend interface {
	name() string
	generate(ctx context.Context, entries []model.ContextEntry, temperature float64) (string, error)
}

type Service struct {
	backend backend
	timeout time.Duration
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	var (
		b   backend
		err error
	)

	switch cfg.Completion.Provider {
	case "openai":
		b = newOpenAI(cfg.Completion)
	case "ollama":
		b, err = newOllama(cfg.Completion)
	case "anthropic":
		b, err = newAnthropic(cfg.Completion)
	default:
		err = fmt.Errorf("unknown provider %q", cfg.Completion.Provider)
	}
	if err != nil {
		return nil, oops.In("completion").Wrapf(err, "create backend")
	}

	slog.Info("Completion backend ready",
		"provider", b.name(),
		"model", cfg.Completion.Model,
	)

	return newService(b, cfg.Completion.Timeout), nil
}

func newService(b backend, timeout time.Duration) *Service {
	return &Service{
		backend: b,
		timeout: timeout,
	}
}

// Complete sends window to the provider with augmentation attached to the
// last user entry. It never retries.
func (s *Service) Complete(ctx context.Context, window []model.ContextEntry, augmentation string, role model.Role) (string, error) {
	entries := attachAugmentation(window, augmentation)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()

	text, err := s.backend.generate(ctx, entries, Temperature(role))
	if err != nil {
		return "", oops.
			In("completion").
			Code("upstream").
			With("provider", s.backend.name()).
			With("duration", time.Since(start)).
			Wrapf(fmt.Errorf("%w: %w", model.ErrUpstream, err), "generate reply")
	}

	text = strings.TrimSpace(text)
	if text == "" {
		slog.Warn("Provider returned no usable text, using fallback",
			"provider", s.backend.name(),
		)
		return FallbackReply, nil
	}

	slog.Debug("Completion done",
		"provider", s.backend.name(),
		"duration", time.Since(start),
		"length", len(text),
	)

	return text, nil
}

func Temperature(role model.Role) float64 {
	if t, ok := temperatures[role]; ok {
		return t
	}

	return temperatures[model.RoleDefault]
}

func attachAugmentation(window []model.ContextEntry, augmentation string) []model.ContextEntry {
	entries := make([]model.ContextEntry, len(window))
	copy(entries, window)

	augmentation = strings.TrimSpace(augmentation)
	if augmentation == "" {
		return entries
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Author == model.AuthorUser {
			entries[i].Text += "\n\n" + augmentation
			return entries
		}
	}

	return append(entries, model.ContextEntry{
		Author: model.AuthorUser,
		Text:   augmentation,
	})
}
