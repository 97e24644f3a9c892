package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ui-self-healing-agent/internal/script"
)

const (
	defaultWaitForTimeout = 10 * time.Second
	settleAfterNavigate   = 5 * time.Second
)

// Interpreter runs scripts line by line against one Controller. It stops at
// the first failing line.
type Interpreter struct {
	ctrl   Controller
	logger zerolog.Logger
}

func NewInterpreter(ctrl Controller, logger zerolog.Logger) *Interpreter {
	return &Interpreter{ctrl: ctrl, logger: logger.With().Str("comp", "interpreter").Logger()}
}

// Execute implements script.Interpreter. Script failures are reported in
// the Outcome; an error is returned only when the page is gone.
func (in *Interpreter) Execute(ctx context.Context, src string) (script.Outcome, error) {
	start := time.Now()
	lines, err := script.ParseScript(src)
	if err != nil {
		return script.Outcome{ErrorMessage: err.Error(), Duration: time.Since(start)}, nil
	}
	for _, ln := range lines {
		if ln.Command == nil {
			continue
		}
		if err := in.step(ctx, *ln.Command); err != nil {
			if errors.Is(err, ErrPageClosed) {
				return script.Outcome{}, fmt.Errorf("%w: %v", script.ErrInterpreterUnavailable, err)
			}
			in.logger.Debug().Int("line", ln.Number).Err(err).Msg("line failed")
			return script.Outcome{
				ErrorMessage: fmt.Sprintf("line %d: %s: %v", ln.Number, ln.Command.Verb, err),
				FailedLine:   ln.Number,
				Duration:     time.Since(start),
			}, nil
		}
	}
	return script.Outcome{Success: true, Duration: time.Since(start)}, nil
}

func (in *Interpreter) step(ctx context.Context, cmd script.Command) error {
	switch cmd.Verb {
	case script.Navigate:
		if err := in.ctrl.Navigate(ctx, cmd.Text); err != nil {
			return err
		}
		if err := in.ctrl.WaitForStableDOM(ctx, settleAfterNavigate); err != nil {
			in.logger.Debug().Err(err).Msg("page did not settle")
		}
		return nil
	case script.Click:
		return in.ctrl.Click(ctx, Selector(cmd.Target))
	case script.ClickAt:
		return in.ctrl.ClickByCoordinates(ctx, float64(cmd.X), float64(cmd.Y))
	case script.Type:
		return in.ctrl.Fill(ctx, Selector(cmd.Target), cmd.Text)
	case script.Press:
		return in.ctrl.Press(ctx, cmd.Text)
	case script.Wait:
		t := time.NewTimer(time.Duration(cmd.Millis) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	case script.WaitFor:
		return in.ctrl.WaitFor(ctx, Selector(cmd.Target), cmd.Timeout(defaultWaitForTimeout))
	case script.Scroll:
		_, err := in.ctrl.Scroll(ctx, cmd.Text, cmd.Pixels)
		return err
	case script.Assert:
		ok, err := in.ctrl.Exists(ctx, Selector(cmd.Target))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("assertion failed: %w: %s", ErrElementNotFound, cmd.Target)
		}
		return nil
	case script.IfExists:
		ok, err := in.ctrl.Exists(ctx, Selector(cmd.Target))
		if err != nil {
			return err
		}
		if !ok || cmd.Then == nil {
			in.logger.Debug().Str("target", cmd.Target.String()).Msg("condition not met, skipping")
			return nil
		}
		return in.step(ctx, *cmd.Then)
	}
	return fmt.Errorf("unsupported command %q", cmd.Verb)
}

// Selector maps a script target to a playwright selector. An identifier
// matches id, data-testid or name; text matches the visible text exactly.
func Selector(t script.Target) string {
	if t.ID != "" {
		v := cssString(t.ID)
		return fmt.Sprintf("[id=%s], [data-testid=%s], [name=%s]", v, v, v)
	}
	return "text=" + strconv.Quote(t.Text)
}

func cssString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
