package advisory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrAdvisoryTimeout is returned when the advisory call exceeds its deadline.
	ErrAdvisoryTimeout = errors.New("advisory timeout")
	// ErrAdvisory covers every other advisory failure.
	ErrAdvisory = errors.New("advisory error")
)

const diagnoseSystemPrompt = `You diagnose failed UI-automation scripts.
RULES:
1. Respond with a SINGLE JSON object and NOTHING else.
2. Format: {"cause": "<tag>", "summary": "<one sentence>", "suggestions": ["..."], "confidence": 0.0-1.0}
3. cause is one of: element-not-found, stale-coordinates, permission-denied, timeout, generic-logic-error, or a short kebab-case tag.
4. Order suggestions from most to least likely to fix the failure.
5. Base the diagnosis on the error, the UI changes and the current elements; do not invent elements.`

const generateSystemPrompt = `You repair UI-automation scripts.
RULES:
1. Return ONLY the complete revised script inside one fenced code block.
2. Keep the script dialect exactly: navigate, click "text" | click #id, click_at x y, type <target> "text", press key, wait ms, wait_for <target> [ms], scroll up|down [px], assert <target>, if_exists <target> then <command>.
3. Only reference elements that exist in the current snapshot.
4. Change as little as possible to address the diagnosis.`

// Advisor is the external diagnostic/generation collaborator. Implementations
// are stateless and safe to share across sessions.
type Advisor interface {
	Diagnose(ctx context.Context, prompt string) (string, error)
	Generate(ctx context.Context, prompt string) (string, error)
}

type llmAdvisor struct {
	client Client
	logger zerolog.Logger
}

// NewAdvisor wraps a Client with role-specific system prompts.
func NewAdvisor(client Client, logger zerolog.Logger) Advisor {
	return &llmAdvisor{client: client, logger: logger}
}

func (a *llmAdvisor) Diagnose(ctx context.Context, prompt string) (string, error) {
	return a.call(ctx, "diagnose", diagnoseSystemPrompt, prompt, 500)
}

func (a *llmAdvisor) Generate(ctx context.Context, prompt string) (string, error) {
	return a.call(ctx, "generate", generateSystemPrompt, prompt, 1500)
}

func (a *llmAdvisor) call(ctx context.Context, op, system, prompt string, maxTokens int) (string, error) {
	resp, err := a.client.Generate(ctx, Request{
		System:      system,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: 0.0,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		err = Classify(ctx, err)
		a.logger.Warn().Err(err).Str("op", op).Str("model", a.client.Name()).Msg("advisory call failed")
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty %s response", ErrAdvisory, op)
	}
	return text, nil
}

// Classify maps an advisory failure onto ErrAdvisoryTimeout or ErrAdvisory.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAdvisoryTimeout) || errors.Is(err, ErrAdvisory) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrAdvisoryTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrAdvisory, err)
}
