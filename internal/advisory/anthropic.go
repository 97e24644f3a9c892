package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

const (
	envAPIKey    = "ANTHROPIC_API_KEY"
	envModel     = "ANTHROPIC_MODEL"
	defaultModel = "claude-sonnet-4-5-20250929"

	apiURL     = "https://api.anthropic.com/v1/messages"
	apiVersion = "2023-06-01"
	maxTokens  = 900
)

type anthropicClient struct {
	model   string
	backend *httpBackend
	logger  zerolog.Logger
}

func newAnthropic(model string, logger zerolog.Logger) (Client, error) {
	key := envOr(envAPIKey, "")
	if key == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrNotConfigured, envAPIKey)
	}
	if model == "" {
		model = envOr(envModel, defaultModel)
	}
	return &anthropicClient{
		model:  model,
		logger: logger,
		backend: &httpBackend{
			label: "Anthropic",
			url:   apiURL,
			headers: map[string]string{
				"x-api-key":         key,
				"anthropic-version": apiVersion,
			},
			http:     &http.Client{Timeout: httpTimeout},
			logger:   logger,
			apiError: anthropicAPIError,
		},
	}, nil
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}
	truncateRequest(&req, c.logger)

	payload := anthropicPayload{
		Model:       c.model,
		System:      req.System,
		MaxTokens:   max(req.MaxTokens, maxTokens),
		Temperature: float64(req.Temperature),
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, anthropicMessage{
			Role:    m.Role,
			Content: []anthropicContent{{Type: "text", Text: m.Content}},
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("messages", len(payload.Messages)).
		Int("payload_size", len(body)).
		Int("max_tokens", payload.MaxTokens).
		Msg("Anthropic API request")

	data, err := c.backend.post(ctx, body)
	if err != nil {
		return Response{}, err
	}

	var ar anthropicResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return Response{}, fmt.Errorf("parse response: %w", err)
	}
	var buf bytes.Buffer
	for _, content := range ar.Content {
		if content.Type == "text" {
			buf.WriteString(content.Text)
		}
	}
	return Response{Text: buf.String()}, nil
}

func anthropicAPIError(status int, data []byte) error {
	var envelope struct {
		Error anthropicError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Error() == "" {
		return fmt.Errorf("anthropic %d: %s", status, rawSnippet(data))
	}
	apiErr := envelope.Error
	err := fmt.Errorf("anthropic %d: %s (type: %s)", status, apiErr.Error(), apiErr.Type)
	// A usage-limit 400 will not recover by retrying.
	if status == http.StatusBadRequest && apiErr.Type == "invalid_request_error" &&
		strings.Contains(apiErr.Message, "API usage limits") {
		return permanentError{err: err}
	}
	return err
}

type anthropicPayload struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e anthropicError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Type
}
