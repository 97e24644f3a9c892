// Package diagnosis explains why a script attempt failed. The advisory
// service is asked first; the rule set answers whenever it cannot.
package diagnosis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ui-self-healing-agent/internal/advisory"
	"github.com/polzovatel/ui-self-healing-agent/internal/rules"
	"github.com/polzovatel/ui-self-healing-agent/internal/snapshot"
)

// DefaultTimeout bounds one advisory diagnosis call.
const DefaultTimeout = 20 * time.Second

// Provenance records which tier produced a result.
type Provenance string

const (
	Rule     Provenance = "rule"
	Advisory Provenance = "advisory"
)

var errMalformed = errors.New("malformed advisory diagnosis")

// Diagnosis is the structured explanation of one failed attempt.
type Diagnosis struct {
	Cause       string     `json:"cause"                 yaml:"cause"`
	Summary     string     `json:"summary,omitempty"     yaml:"summary,omitempty"`
	Suggestions []string   `json:"suggestions,omitempty" yaml:"suggestions,omitempty"`
	Confidence  float64    `json:"confidence"            yaml:"confidence"`
	Provenance  Provenance `json:"provenance"            yaml:"provenance"`
}

// Clone returns a deep copy.
func (d Diagnosis) Clone() Diagnosis {
	d.Suggestions = append([]string(nil), d.Suggestions...)
	return d
}

func (d Diagnosis) String() string {
	s := fmt.Sprintf("%s (%s, confidence %.2f)", d.Cause, d.Provenance, d.Confidence)
	if d.Summary != "" {
		s += ": " + d.Summary
	}
	return s
}

// FromRules converts a rule-tier verdict.
func FromRules(r rules.Diagnosis) Diagnosis {
	return Diagnosis{
		Cause:       string(r.Cause),
		Summary:     r.Summary,
		Suggestions: append([]string(nil), r.Suggestions...),
		Confidence:  r.Confidence,
		Provenance:  Rule,
	}
}

// Input describes one failed attempt.
type Input struct {
	Script       string
	ErrorMessage string
	Before       *snapshot.Snapshot
	After        *snapshot.Snapshot
	Changes      []snapshot.Change
	Intent       string
	Attempt      int
}

type Options struct {
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Engine produces diagnoses. A nil advisor disables the advisory tier.
type Engine struct {
	advisor advisory.Advisor
	timeout time.Duration
	logger  zerolog.Logger
}

func New(advisor advisory.Advisor, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Engine{
		advisor: advisor,
		timeout: opts.Timeout,
		logger:  opts.Logger.With().Str("comp", "diagnosis").Logger(),
	}
}

// Diagnose never fails: any advisory problem falls back to the rules.
func (e *Engine) Diagnose(ctx context.Context, in Input) Diagnosis {
	if e.advisor != nil && ctx.Err() == nil {
		d, err := e.advise(ctx, in)
		if err == nil {
			return d
		}
		e.logger.Warn().Err(err).Int("attempt", in.Attempt).Msg("advisory diagnosis unavailable, using rules")
	}
	d := FromRules(rules.Diagnose(in.ErrorMessage, in.Changes))
	e.logger.Debug().Str("cause", d.Cause).Float64("confidence", d.Confidence).Msg("rule diagnosis")
	return d
}

func (e *Engine) advise(ctx context.Context, in Input) (Diagnosis, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	text, err := e.advisor.Diagnose(callCtx, Prompt(in))
	if err != nil {
		return Diagnosis{}, advisory.Classify(callCtx, err)
	}
	d, err := Parse(text)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("%w: raw=%q", err, truncate(text, 200))
	}
	e.logger.Debug().Str("cause", d.Cause).Float64("confidence", d.Confidence).Msg("advisory diagnosis")
	return d, nil
}

// Parse reads an advisory response. Responses without JSON, without a cause
// or with a confidence outside [0,1] are rejected.
func Parse(text string) (Diagnosis, error) {
	raw, err := advisory.ExtractJSON(text)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	var parsed struct {
		Cause       string   `json:"cause"`
		Summary     string   `json:"summary"`
		Suggestions []string `json:"suggestions"`
		Confidence  *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Diagnosis{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	cause := strings.TrimSpace(parsed.Cause)
	if cause == "" {
		return Diagnosis{}, fmt.Errorf("%w: empty cause", errMalformed)
	}
	if parsed.Confidence == nil || *parsed.Confidence < 0 || *parsed.Confidence > 1 {
		return Diagnosis{}, fmt.Errorf("%w: confidence out of range", errMalformed)
	}
	suggestions := make([]string, 0, len(parsed.Suggestions))
	for _, s := range parsed.Suggestions {
		if s = strings.TrimSpace(s); s != "" {
			suggestions = append(suggestions, s)
		}
	}
	return Diagnosis{
		Cause:       cause,
		Summary:     strings.TrimSpace(parsed.Summary),
		Suggestions: suggestions,
		Confidence:  *parsed.Confidence,
		Provenance:  Advisory,
	}, nil
}

// Prompt renders the advisory request for a failed attempt.
func Prompt(in Input) string {
	var b strings.Builder
	if in.Intent != "" {
		fmt.Fprintf(&b, "INTENT: %s\n", in.Intent)
	}
	fmt.Fprintf(&b, "ATTEMPT: %d\nERROR: %s\n\nSCRIPT:\n%s\n\n", in.Attempt, in.ErrorMessage, in.Script)
	fmt.Fprintf(&b, "UI CHANGES:\n%s\n", snapshot.FormatChanges(in.Changes, 20))
	current := in.After
	if current == nil {
		current = in.Before
	}
	b.WriteString("CURRENT UI:\n")
	b.WriteString(current.String())
	b.WriteString("\nOUTPUT FORMAT (strict JSON only): {\"cause\":\"...\",\"summary\":\"...\",\"suggestions\":[\"...\"],\"confidence\":0.0}\n")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
