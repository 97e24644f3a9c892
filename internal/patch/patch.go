// Package patch drafts the script for the next attempt.
package patch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ui-self-healing-agent/internal/advisory"
	"github.com/polzovatel/ui-self-healing-agent/internal/diagnosis"
	"github.com/polzovatel/ui-self-healing-agent/internal/rules"
	"github.com/polzovatel/ui-self-healing-agent/internal/snapshot"
)

// DefaultTimeout bounds one advisory generation call.
const DefaultTimeout = 30 * time.Second

// Input is everything known about the failed attempt.
type Input struct {
	Script    string
	Diagnosis diagnosis.Diagnosis
	Current   *snapshot.Snapshot
	Changes   []snapshot.Change
	Attempt   int
	Intent    string
}

// Result is a candidate script and the tier that wrote it.
type Result struct {
	Script     string
	Provenance diagnosis.Provenance
}

type Options struct {
	Timeout     time.Duration
	SettleDelay time.Duration
	Logger      zerolog.Logger
}

// Generator produces candidate scripts. It neither validates nor executes
// them. A nil advisor disables the advisory tier.
type Generator struct {
	advisor     advisory.Advisor
	timeout     time.Duration
	settleDelay time.Duration
	logger      zerolog.Logger
}

func New(advisor advisory.Advisor, opts Options) *Generator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = rules.DefaultSettleDelay
	}
	return &Generator{
		advisor:     advisor,
		timeout:     opts.Timeout,
		settleDelay: opts.SettleDelay,
		logger:      opts.Logger.With().Str("comp", "patch").Logger(),
	}
}

// Generate returns a candidate script. It always produces one.
func (g *Generator) Generate(ctx context.Context, in Input) Result {
	if g.advisor != nil && ctx.Err() == nil {
		script, err := g.advise(ctx, in)
		if err == nil {
			return Result{Script: script, Provenance: diagnosis.Advisory}
		}
		g.logger.Warn().Err(err).Int("attempt", in.Attempt).Msg("advisory patch unavailable, using rules")
	}
	script := rules.Patch(in.Script, in.Current, rules.PatchOptions{
		SettleDelay: g.settleDelay,
		Changes:     in.Changes,
	})
	return Result{Script: script, Provenance: diagnosis.Rule}
}

func (g *Generator) advise(ctx context.Context, in Input) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, err := g.advisor.Generate(callCtx, Prompt(in))
	if err != nil {
		return "", advisory.Classify(callCtx, err)
	}
	script := advisory.ExtractCode(text)
	if strings.TrimSpace(script) == "" {
		return "", fmt.Errorf("%w: empty script", advisory.ErrAdvisory)
	}
	if strings.TrimSpace(script) == strings.TrimSpace(in.Script) {
		return "", fmt.Errorf("%w: script unchanged", advisory.ErrAdvisory)
	}
	return script, nil
}

// Prompt renders the advisory request for a revised script.
func Prompt(in Input) string {
	var b strings.Builder
	if in.Intent != "" {
		fmt.Fprintf(&b, "INTENT: %s\n", in.Intent)
	}
	fmt.Fprintf(&b, "ATTEMPT: %d\nDIAGNOSIS: %s\n", in.Attempt, in.Diagnosis)
	for i, s := range in.Diagnosis.Suggestions {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
	}
	fmt.Fprintf(&b, "\nSCRIPT:\n```\n%s\n```\n\n", in.Script)
	fmt.Fprintf(&b, "UI CHANGES:\n%s\n", snapshot.FormatChanges(in.Changes, 20))
	b.WriteString("CURRENT UI:\n")
	b.WriteString(in.Current.String())
	b.WriteString("\nReturn the complete revised script in one fenced code block.\n")
	return b.String()
}
