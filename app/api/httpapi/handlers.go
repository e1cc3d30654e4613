package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"referralchat/app/model"
	"referralchat/app/service/conversation"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

type turnRequest struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type historyResponse struct {
	Messages []model.Message `json:"messages"`
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) submitTurn(c *fiber.Ctx) error {
	var req turnRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	result, err := s.chat.SubmitTurn(c.UserContext(), c.Params("key"), model.ParseRole(req.Role), req.Text)
	if err != nil {
		return err
	}

	return c.JSON(result)
}

func (s *Server) history(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", conversation.DefaultHistoryLimit)

	messages, err := s.chat.GetHistory(c.UserContext(), c.Params("id"), limit)
	if err != nil {
		return err
	}

	return c.JSON(historyResponse{Messages: messages})
}

func (s *Server) threadByKey(c *fiber.Ctx) error {
	thread, err := s.chat.GetThreadByKey(c.UserContext(), c.Params("key"))
	if err != nil {
		return err
	}

	return c.JSON(thread)
}

// events streams change notifications of one thread as server-sent events.
// Clients re-read history when an event arrives.
func (s *Server) events(c *fiber.Ctx) error {
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := s.chat.Subscribe(ctx, c.Params("id"))
	if err != nil {
		cancel()
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()

		_, _ = fmt.Fprint(w, ": connected\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case <-s.done:
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}

				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}

				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			case <-ticker.C:
				_, _ = fmt.Fprint(w, ": ping\n\n")
			}

			if err := w.Flush(); err != nil {
				return
			}
		}
	}))

	return nil
}
