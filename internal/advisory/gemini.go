package advisory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const (
	envGeminiAPIKey    = "GEMINI_API_KEY"
	envGeminiModel     = "GEMINI_MODEL"
	envGeminiBaseURL   = "GEMINI_BASE_URL"
	defaultGeminiModel = "gemini-2.5-flash"
	geminiMaxTokens    = 900
)

type geminiClient struct {
	model  string
	client *genai.Client
	logger zerolog.Logger
}

func newGemini(ctx context.Context, model string, logger zerolog.Logger) (Client, error) {
	key := envOr(envGeminiAPIKey, "")
	if key == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrNotConfigured, envGeminiAPIKey)
	}
	if model == "" {
		model = envOr(envGeminiModel, defaultGeminiModel)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: envOr(envGeminiBaseURL, "")},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &geminiClient{model: model, client: client, logger: logger}, nil
}

func (c *geminiClient) Name() string { return c.model }

func (c *geminiClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}
	truncateRequest(&req, c.logger)

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role genai.Role = genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: int32(max(req.MaxTokens, geminiMaxTokens)),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("messages", len(contents)).
		Msg("Gemini API request")

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return Response{}, fmt.Errorf("gemini: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Response{}, errors.New("gemini: empty response")
	}
	return Response{Text: text}, nil
}
