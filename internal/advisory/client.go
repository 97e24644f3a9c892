package advisory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	envProvider = "LLM_PROVIDER" // "anthropic", "openai" or "gemini"

	maxRequestSize = 200000 // ~200KB limit for safety
)

// ErrNotConfigured is returned when the selected provider has no API key.
var ErrNotConfigured = errors.New("advisory provider not configured")

// Client is a single chat-completion style backend.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Response struct {
	Text string
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

func (f ClientFunc) Generate(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }
func (f ClientFunc) Name() string                                              { return "func" }

// Provider returns the provider named by LLM_PROVIDER, or def when unset.
func Provider(def string) string {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv(envProvider)))
	if provider == "" {
		provider = strings.ToLower(strings.TrimSpace(def))
	}
	if provider == "" {
		provider = "anthropic"
	}
	return provider
}

// NewClient creates a client for the named provider. An empty model uses
// the provider's env override or default.
func NewClient(ctx context.Context, provider, model string, logger zerolog.Logger) (Client, error) {
	switch strings.ToLower(provider) {
	case "anthropic":
		return newAnthropic(model, logger)
	case "openai":
		return newOpenAI(model, logger)
	case "gemini":
		return newGemini(ctx, model, logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'anthropic', 'openai' or 'gemini')", provider)
	}
}

// NewClientFromEnv creates a client based on LLM_PROVIDER env var.
// Defaults to Anthropic if not specified.
func NewClientFromEnv(ctx context.Context, logger zerolog.Logger) (Client, error) {
	return NewClient(ctx, Provider(""), "", logger)
}

func envOr(name, def string) string {
	v := strings.Trim(strings.TrimSpace(os.Getenv(name)), "\"'")
	if v == "" {
		return def
	}
	return v
}

// truncateRequest caps message and system prompt sizes in place.
func truncateRequest(req *Request, logger zerolog.Logger) {
	for i, m := range req.Messages {
		if len(m.Content) > maxRequestSize {
			logger.Warn().Int("message_idx", i).Int("size", len(m.Content)).Msg("message too large, truncating")
			req.Messages[i].Content = m.Content[:maxRequestSize] + "... [truncated]"
		}
	}
	if len(req.System) > maxRequestSize {
		logger.Warn().Int("size", len(req.System)).Msg("system prompt too large, truncating")
		req.System = req.System[:maxRequestSize] + "... [truncated]"
	}
}
