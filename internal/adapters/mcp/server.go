// Package mcpadapter exposes the chat pipeline as MCP tools so assistants can
// consult the rulings index directly.
package mcpadapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
	"github.com/kirillkom/dictamen-rag/internal/core/ports"
)

const (
	toolAsk          = "ask"
	toolHistory      = "session_history"
	toolListSessions = "list_sessions"
)

type Server struct {
	chat     ports.ChatService
	sessions ports.SessionService
}

func New(chat ports.ChatService, sessions ports.SessionService) *Server {
	return &Server{chat: chat, sessions: sessions}
}

// MCPServer builds the tool server; callers choose the transport.
func (s *Server) MCPServer(version string) *server.MCPServer {
	srv := server.NewMCPServer(
		"dictamen-rag",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	srv.AddTool(mcp.NewTool(toolAsk,
		mcp.WithDescription("Ask a question about rulings (dictámenes). Returns the answer followed by cited sources."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Question in natural language")),
		mcp.WithString("session_id", mcp.Description("Conversation to continue; a new one is created when empty")),
		mcp.WithBoolean("use_two_vectors", mcp.Description("Also search the summary embedding")),
	), s.handleAsk)

	srv.AddTool(mcp.NewTool(toolHistory,
		mcp.WithDescription("Read the chronological message log of a session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier")),
	), s.handleHistory)

	srv.AddTool(mcp.NewTool(toolListSessions,
		mcp.WithDescription("List sessions ordered by most recent activity."),
		mcp.WithNumber("limit", mcp.Description("Maximum sessions to return")),
	), s.handleListSessions)

	return srv
}

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.chat.ProcessTurn(ctx, domain.TurnRequest{
		SessionID:          req.GetString("session_id", ""),
		Query:              query,
		UseSecondaryVector: req.GetBool("use_two_vectors", false),
	})
	if err != nil {
		slog.Error("mcp_ask_failed", "error", err)
		if domain.IsKind(err, domain.ErrInvalidInput) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultError("error interno del servidor"), nil
	}
	return mcp.NewToolResultText(formatAnswer(result)), nil
}

func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	history, err := s.sessions.History(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(history) == 0 {
		return mcp.NewToolResultText("(sin mensajes)"), nil
	}

	var b strings.Builder
	for _, msg := range history {
		fmt.Fprintf(&b, "[%s] %s: %s\n", msg.Timestamp.Format("2006-01-02 15:04"), msg.Role, msg.Content)
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(req.GetFloat("limit", 0))
	sessions, err := s.sessions.ListSessions(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	for _, sess := range sessions {
		fmt.Fprintf(&b, "%s\t%d\t%s\n", sess.SessionID, sess.MessageCount, sess.LastActivity.Format("2006-01-02T15:04:05Z07:00"))
	}
	return mcp.NewToolResultText(strings.TrimRight(b.String(), "\n")), nil
}

func formatAnswer(result *domain.TurnResult) string {
	var b strings.Builder
	b.WriteString(result.Response)
	if len(result.Sources) > 0 {
		b.WriteString("\n\nFuentes:\n")
		for _, src := range result.Sources {
			if src.URL != "" {
				fmt.Fprintf(&b, "- %s (%s)\n", src.Identifier, src.URL)
			} else {
				fmt.Fprintf(&b, "- %s\n", src.Identifier)
			}
		}
	}
	fmt.Fprintf(&b, "\nsession_id: %s", result.SessionID)
	return b.String()
}
