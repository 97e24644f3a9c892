package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

const (
	envOpenAIAPIKey    = "OPENAI_API_KEY"
	envOpenAIModel     = "OPENAI_MODEL"
	defaultOpenAIModel = "gpt-4o-mini"

	openAIAPIURL    = "https://api.openai.com/v1/chat/completions"
	openAIMaxTokens = 900
)

type openAIClient struct {
	model   string
	backend *httpBackend
	logger  zerolog.Logger
}

type openAIPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func newOpenAI(model string, logger zerolog.Logger) (Client, error) {
	key := envOr(envOpenAIAPIKey, "")
	if key == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrNotConfigured, envOpenAIAPIKey)
	}
	if model == "" {
		model = envOr(envOpenAIModel, defaultOpenAIModel)
	}
	return &openAIClient{
		model:  model,
		logger: logger,
		backend: &httpBackend{
			label:    "OpenAI",
			url:      openAIAPIURL,
			headers:  map[string]string{"Authorization": "Bearer " + key},
			http:     &http.Client{Timeout: httpTimeout},
			logger:   logger,
			apiError: openAIAPIError,
		},
	}, nil
}

func (c *openAIClient) Name() string {
	return c.model
}

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}
	truncateRequest(&req, c.logger)

	// OpenAI requires the system message as the first message.
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	payload := openAIPayload{
		Model:       c.model,
		Messages:    messages,
		Temperature: float64(req.Temperature),
		MaxTokens:   max(req.MaxTokens, openAIMaxTokens),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("messages", len(messages)).
		Int("payload_size", len(body)).
		Int("max_tokens", payload.MaxTokens).
		Msg("OpenAI API request")

	data, err := c.backend.post(ctx, body)
	if err != nil {
		return Response{}, err
	}

	var or openAIResponse
	if err := json.Unmarshal(data, &or); err != nil {
		return Response{}, fmt.Errorf("parse response: %w", err)
	}
	if or.Error != nil {
		return Response{}, fmt.Errorf("openai: %s (type: %s)", or.Error.Message, or.Error.Type)
	}
	if len(or.Choices) == 0 {
		return Response{}, errors.New("openai: no choices in response")
	}
	return Response{Text: or.Choices[0].Message.Content}, nil
}

func openAIAPIError(status int, data []byte) error {
	var envelope struct {
		Error *openAIError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error == nil {
		return fmt.Errorf("openai %d: %s", status, rawSnippet(data))
	}
	err := fmt.Errorf("openai %d: %s (type: %s)", status, envelope.Error.Message, envelope.Error.Type)
	if envelope.Error.Code == "insufficient_quota" {
		return permanentError{err: err}
	}
	return err
}
