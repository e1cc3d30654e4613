package mcpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"referralchat/app/model"
	"referralchat/app/service/conversation"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/samber/do"
)

const serverVersion = "1.0.0"

// Chat is the part of the turn pipeline exposed as MCP tools.
type Chat interface {
	SubmitTurn(ctx context.Context, threadKey string, role model.Role, text string) (*conversation.TurnResult, error)
	GetHistory(ctx context.Context, threadID string, limit int) ([]model.Message, error)
}

type Server struct {
	chat Chat
	mcp  *server.MCPServer
}

func New(di *do.Injector) (*Server, error) {
	return NewServer(do.MustInvoke[*conversation.Service](di)), nil
}

func NewServer(chat Chat) *Server {
	s := &Server{
		chat: chat,
		mcp: server.NewMCPServer(
			"referralchat",
			serverVersion,
			server.WithToolCapabilities(false),
		),
	}

	s.mcp.AddTool(
		mcp.NewTool("submit_turn",
			mcp.WithDescription("Send a user message to a referral chat thread and return the assistant reply"),
			mcp.WithString("thread_key", mcp.Required(), mcp.Description("Correlation key of the thread, created on first use")),
			mcp.WithString("role", mcp.Description("Persona of the thread: referrer, vendor, host or default")),
			mcp.WithString("text", mcp.Required(), mcp.Description("User message text")),
		),
		s.submitTurn,
	)

	s.mcp.AddTool(
		mcp.NewTool("get_history",
			mcp.WithDescription("Return the most recent messages of a thread, oldest first"),
			mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread identifier")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages, 30 by default")),
		),
		s.getHistory,
	)

	return s
}

// Serve speaks MCP over the given streams until ctx is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)

	slog.Info("MCP server started")

	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (s *Server) submitTurn(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := request.RequireString("thread_key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	role := model.ParseRole(request.GetString("role", ""))

	result, err := s.chat.SubmitTurn(ctx, key, role, text)
	if err != nil {
		return toolError(err), nil
	}

	return jsonResult(result)
}

func (s *Server) getHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := request.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := request.GetInt("limit", conversation.DefaultHistoryLimit)

	messages, err := s.chat.GetHistory(ctx, threadID, limit)
	if err != nil {
		return toolError(err), nil
	}

	return jsonResult(map[string]any{"messages": messages})
}

func toolError(err error) *mcp.CallToolResult {
	kind := "internal"

	switch {
	case errors.Is(err, model.ErrInvalidInput):
		kind = "invalid_input"
	case errors.Is(err, model.ErrNotFound):
		kind = "not_found"
	case errors.Is(err, model.ErrUpstream):
		kind = "upstream"
	case errors.Is(err, model.ErrStorage):
		kind = "storage"
	}

	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", kind, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	return mcp.NewToolResultText(string(data)), nil
}
