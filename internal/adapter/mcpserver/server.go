// Package mcpserver exposes domain tools over the Model Context Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"flutter-sim-mcp/internal/domain"
)

// Info identifies the server to MCP clients.
type Info struct {
	Name         string
	Version      string
	Instructions string
}

// Server wraps an MCP server whose tools are backed by a domain.ToolExecutor.
type Server struct {
	mcp    *server.MCPServer
	tools  domain.ToolExecutor
	logger *slog.Logger
}

// New creates a server and registers every tool the executor lists.
func New(info Info, tools domain.ToolExecutor, logger *slog.Logger) *Server {
	opts := []server.ServerOption{
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	}
	if info.Instructions != "" {
		opts = append(opts, server.WithInstructions(info.Instructions))
	}
	s := &Server{
		mcp:    server.NewMCPServer(info.Name, info.Version, opts...),
		tools:  tools,
		logger: logger,
	}
	for _, t := range tools.List() {
		schema := t.Schema()
		s.mcp.AddTool(mcp.NewToolWithRawSchema(schema.Name, schema.Description, schema.Parameters), s.handler(t.Name()))
		logger.Debug("mcp tool registered", "tool", schema.Name)
	}
	return s
}

// handler resolves the tool per call so the executor stays the source of truth.
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		t, err := s.tools.Get(name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		params := json.RawMessage(`{}`)
		if req.Params.Arguments != nil {
			raw, err := json.Marshal(req.Params.Arguments)
			if err != nil {
				return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
			}
			params = raw
		}

		res, err := t.Execute(ctx, params)
		if err != nil {
			s.logger.Warn("tool returned error", "tool", name, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		if res.IsError {
			return mcp.NewToolResultError(res.Content), nil
		}
		return mcp.NewToolResultText(res.Content), nil
	}
}

// HandleMessage processes one JSON-RPC message.
func (s *Server) HandleMessage(ctx context.Context, msg json.RawMessage) mcp.JSONRPCMessage {
	return s.mcp.HandleMessage(ctx, msg)
}

// ServeStdio speaks MCP over in and out until ctx is cancelled or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening", "transport", "stdio")
	err := stdio.Listen(ctx, in, out)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
