package completion

import (
	"context"
	"log/slog"

	"referralchat/app/config"
	"referralchat/app/model"

	"github.com/elliotchance/pie/v2"
	"github.com/tmc/langchaingo/callbacks"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
)

var _ callbacks.Handler = logCallbackHandler{}

// logCallbackHandler reports provider level events of langchaingo models.
type logCallbackHandler struct {
	callbacks.SimpleHandler
}

func (logCallbackHandler) HandleLLMGenerateContentEnd(ctx context.Context, res *llms.ContentResponse) {
	slog.DebugContext(ctx, "LLM generate content end", "choices", len(res.Choices))
}

func (logCallbackHandler) HandleLLMError(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "LLM error", "error", err)
}

type langchainBackend struct {
	provider  string
	llm       llms.Model
	maxTokens int
}

func newOllama(cfg config.Completion) (*langchainBackend, error) {
	opts := []ollama.Option{
		ollama.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}

	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, err
	}
	llm.CallbacksHandler = logCallbackHandler{}

	return &langchainBackend{
		provider:  "ollama",
		llm:       llm,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func newAnthropic(cfg config.Completion) (*langchainBackend, error) {
	opts := []anthropic.Option{
		anthropic.WithToken(cfg.Token),
		anthropic.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}

	llm, err := anthropic.New(opts...)
	if err != nil {
		return nil, err
	}
	llm.CallbacksHandler = logCallbackHandler{}

	return &langchainBackend{
		provider:  "anthropic",
		llm:       llm,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (b *langchainBackend) name() string {
	return b.provider
}

func (b *langchainBackend) generate(ctx context.Context, entries []model.ContextEntry, temperature float64) (string, error) {
	resp, err := b.llm.GenerateContent(
		ctx,
		pie.Map(entries, toMessageContent),
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(b.maxTokens),
	)
	if err != nil {
		return "", err
	}

	if resp == nil || len(resp.Choices) == 0 {
		return "", nil
	}

	return resp.Choices[0].Content, nil
}

func toMessageContent(entry model.ContextEntry) llms.MessageContent {
	kind := llms.ChatMessageTypeHuman

	switch entry.Author {
	case model.AuthorSystem:
		kind = llms.ChatMessageTypeSystem
	case model.AuthorAssistant:
		kind = llms.ChatMessageTypeAI
	}

	return llms.TextParts(kind, entry.Text)
}
