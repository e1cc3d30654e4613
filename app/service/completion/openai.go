package completion

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"referralchat/app/config"
	"referralchat/app/model"

	"github.com/elliotchance/pie/v2"
	"github.com/sashabaranov/go-openai"
)

type openAIBackend struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func newOpenAI(cfg config.Completion) *openAIBackend {
	clientConfig := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout,
	}

	return &openAIBackend{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func (b *openAIBackend) name() string {
	return "openai"
}

func (b *openAIBackend) generate(ctx context.Context, entries []model.ContextEntry, temperature float64) (string, error) {
	resp, err := b.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:               b.model,
			Messages:            pie.Map(entries, toOpenAIMessage),
			MaxCompletionTokens: b.maxTokens,
			Temperature:         float32(temperature),
		},
	)
	if isMalformed(err) {
		slog.Warn("Malformed provider response", "provider", b.name(), "error", err)
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}

	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessage(entry model.ContextEntry) openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleUser

	switch entry.Author {
	case model.AuthorSystem:
		role = openai.ChatMessageRoleSystem
	case model.AuthorAssistant:
		role = openai.ChatMessageRoleAssistant
	}

	return openai.ChatCompletionMessage{
		Role:    role,
		Content: entry.Text,
	}
}

// isMalformed reports a 2xx response whose body could not be decoded.
// Non-2xx responses carry a RequestError or APIError even when their body
// is not JSON, and stay upstream failures.
func isMalformed(err error) bool {
	var (
		reqErr    *openai.RequestError
		apiErr    *openai.APIError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)

	if errors.As(err, &reqErr) || errors.As(err, &apiErr) {
		return false
	}

	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
