// Package mcpserver exposes monitored sessions to MCP hosts.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/polzovatel/ui-self-healing-agent/internal/agent"
	"github.com/polzovatel/ui-self-healing-agent/internal/session"
)

// Options name the server and pick its transport.
type Options struct {
	Name    string
	Version string
	// Transport is stdio or http (streamable HTTP on Port).
	Transport string
	Port      int
}

// Server wires the orchestrator's caller contract to MCP tools.
type Server struct {
	// base outlives individual requests; sessions are bound to it.
	base   context.Context
	orch   *agent.Orchestrator
	mcp    *mcpserver.MCPServer
	logger zerolog.Logger
}

func New(base context.Context, orch *agent.Orchestrator, opts Options, logger zerolog.Logger) *Server {
	if opts.Name == "" {
		opts.Name = "ui-healer"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		base:   base,
		orch:   orch,
		mcp:    mcpserver.NewMCPServer(opts.Name, opts.Version, mcpserver.WithToolCapabilities(false)),
		logger: logger.With().Str("comp", "mcp").Logger(),
	}
	s.registerTools()
	return s
}

// Serve blocks on the chosen transport.
func (s *Server) Serve(opts Options) error {
	switch opts.Transport {
	case "", "stdio":
		return mcpserver.ServeStdio(s.mcp)
	case "http", "streamable-http":
		s.logger.Info().Int("port", opts.Port).Msg("serving streamable http")
		return mcpserver.NewStreamableHTTPServer(s.mcp).Start(fmt.Sprintf(":%d", opts.Port))
	default:
		return fmt.Errorf("unsupported transport: %s (use stdio or http)", opts.Transport)
	}
}

func (s *Server) registerTools() {
	s.mcp.AddTool(
		mcp.NewTool("start_session",
			mcp.WithDescription("Run a UI automation script under monitoring. On failure the script is diagnosed, patched and retried up to max_attempts times. Returns the session id, or the final session when wait is true."),
			mcp.WithString("script", mcp.Description("Script in the automation dialect, one command per line"), mcp.Required()),
			mcp.WithString("intent", mcp.Description("What the script is meant to achieve, used as diagnosis context")),
			mcp.WithNumber("max_attempts", mcp.Description(fmt.Sprintf("Attempt bound, 1-%d (default %d)", agent.MaxAttemptsLimit, agent.DefaultMaxAttempts))),
			mcp.WithNumber("step_timeout_ms", mcp.Description("Per-step timeout in milliseconds")),
			mcp.WithNumber("session_timeout_ms", mcp.Description("Whole-session timeout in milliseconds")),
			mcp.WithBoolean("wait", mcp.Description("Block until the session is terminal")),
		),
		s.handleStart,
	)
	s.mcp.AddTool(
		mcp.NewTool("stop_session",
			mcp.WithDescription("Request cooperative cancellation of a session. Idempotent."),
			mcp.WithString("session_id", mcp.Required()),
		),
		s.handleStop,
	)
	s.mcp.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Return a session with its status, attempts and every recorded modification."),
			mcp.WithString("session_id", mcp.Required()),
		),
		s.handleGet,
	)
	s.mcp.AddTool(
		mcp.NewTool("list_active_sessions",
			mcp.WithDescription("List sessions that are still monitoring, executing or analyzing."),
		),
		s.handleListActive,
	)
	s.mcp.AddTool(
		mcp.NewTool("evict_session",
			mcp.WithDescription("Remove a terminal session from the store."),
			mcp.WithString("session_id", mcp.Required()),
		),
		s.handleEvict,
	)
}

func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params := request.GetArguments()
	src, err := requiredString(params, "script")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var opts agent.Options
	var stepMs, sessionMs int
	if opts.MaxAttempts, err = optionalInt(params, "max_attempts"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if stepMs, err = optionalInt(params, "step_timeout_ms"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if sessionMs, err = optionalInt(params, "session_timeout_ms"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts.StepTimeout = time.Duration(stepMs) * time.Millisecond
	opts.SessionTimeout = time.Duration(sessionMs) * time.Millisecond

	id, err := s.orch.Start(s.base, src, optionalString(params, "intent"), opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !optionalBool(params, "wait") {
		return render(map[string]string{"session_id": id})
	}
	sess, err := s.orch.Wait(ctx, id)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return render(view(sess))
}

func (s *Server) handleStop(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(request.GetArguments(), "session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.orch.Stop(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return render(map[string]any{"session_id": id, "stop_requested": true})
}

func (s *Server) handleGet(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(request.GetArguments(), "session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := s.orch.Get(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return render(view(sess))
}

func (s *Server) handleListActive(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	active := s.orch.ListActive()
	out := make([]summary, 0, len(active))
	for _, sess := range active {
		out = append(out, summarize(sess))
	}
	return render(map[string]any{"sessions": out})
}

func (s *Server) handleEvict(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(request.GetArguments(), "session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.orch.Store().Evict(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return render(map[string]any{"session_id": id, "evicted": true})
}

// sessionView is a session plus its derived duration.
type sessionView struct {
	session.Session `yaml:",inline"`
	Duration        string `yaml:"duration"`
}

func view(sess session.Session) sessionView {
	return sessionView{Session: sess, Duration: sess.Duration().Round(time.Millisecond).String()}
}

type summary struct {
	ID          string         `yaml:"id"`
	Intent      string         `yaml:"intent,omitempty"`
	Status      session.Status `yaml:"status"`
	Attempts    int            `yaml:"attempts"`
	MaxAttempts int            `yaml:"max_attempts"`
	Message     string         `yaml:"message,omitempty"`
}

func summarize(sess session.Session) summary {
	return summary{
		ID:          sess.ID,
		Intent:      sess.Intent,
		Status:      sess.Status,
		Attempts:    sess.Attempts,
		MaxAttempts: sess.MaxAttempts,
		Message:     sess.Message,
	}
}

func render(v any) (*mcp.CallToolResult, error) {
	b, err := yaml.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
