package httpapi

import (
	"context"
	"log/slog"
	"time"

	"referralchat/app/config"
	"referralchat/app/model"
	"referralchat/app/service/conversation"
	"referralchat/app/service/relay"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/do"
)

const (
	heartbeatInterval = 15 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Chat is the part of the turn pipeline exposed over HTTP.
type Chat interface {
	SubmitTurn(ctx context.Context, threadKey string, role model.Role, text string) (*conversation.TurnResult, error)
	GetHistory(ctx context.Context, threadID string, limit int) ([]model.Message, error)
	Subscribe(ctx context.Context, threadID string) (*relay.Subscription, error)
	GetThreadByKey(ctx context.Context, key string) (model.Thread, error)
}

type Server struct {
	app    *fiber.App
	chat   Chat
	listen string

	heartbeat time.Duration
	done      chan struct{}
}

func New(di *do.Injector) (*Server, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return NewServer(do.MustInvoke[*conversation.Service](di), cfg.HTTP.Listen), nil
}

func NewServer(chat Chat, listen string) *Server {
	s := &Server{
		chat:      chat,
		listen:    listen,
		heartbeat: heartbeatInterval,
		done:      make(chan struct{}),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "referralchat",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	s.app.Get("/healthz", s.health)

	api := s.app.Group("/api/threads")
	api.Get("/by-key/:key", s.threadByKey)
	api.Post("/:key/turns", s.submitTurn)
	api.Get("/:id/messages", s.history)
	api.Get("/:id/events", s.events)

	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves until ctx is done, then stops open event streams and shuts the
// listener down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.app.Listen(s.listen)
	}()

	slog.Info("HTTP server started", "listen", s.listen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	close(s.done)

	return s.app.ShutdownWithTimeout(shutdownTimeout)
}
