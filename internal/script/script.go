// Package script defines the line-oriented automation dialect executed by
// interpreters and rewritten by the fallback patch rules.
//
//	navigate https://example.test/login
//	wait 1000
//	click "Sign in"
//	click #submit
//	click_at 120 340   # login button
//	type #email "user@example.test"
//	press Enter
//	wait_for "Welcome" 5000
//	scroll down 400
//	assert "Dashboard"
//	if_exists "Accept cookies" then click "Accept cookies"
package script

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInterpreterUnavailable is returned when no interpreter can run the
// script at all, as opposed to the script failing.
var ErrInterpreterUnavailable = errors.New("interpreter unavailable")

// Verb names a command.
type Verb string

const (
	Navigate Verb = "navigate"
	Click    Verb = "click"
	ClickAt  Verb = "click_at"
	Type     Verb = "type"
	Press    Verb = "press"
	Wait     Verb = "wait"
	WaitFor  Verb = "wait_for"
	Scroll   Verb = "scroll"
	Assert   Verb = "assert"
	IfExists Verb = "if_exists"
)

// Target addresses an element either by identifier (#id) or by visible text.
type Target struct {
	ID   string
	Text string
}

func (t Target) String() string {
	if t.ID != "" {
		return "#" + t.ID
	}
	return strconv.Quote(t.Text)
}

// IsZero reports whether the target is empty.
func (t Target) IsZero() bool { return t.ID == "" && t.Text == "" }

// Command is one parsed script instruction.
type Command struct {
	Verb    Verb
	Target  Target
	Text    string // type payload, press key, navigate URL, scroll direction
	X, Y    int
	Millis  int // wait / wait_for
	Pixels  int // scroll
	Then    *Command // body of if_exists
	Comment string
}

// IsAction reports whether the command interacts with the UI. Waits and
// navigation are not actions.
func (c Command) IsAction() bool {
	switch c.Verb {
	case Click, ClickAt, Type, Press, Scroll, Assert, IfExists:
		return true
	}
	return false
}

// TargetsElement reports whether the command acts directly on a located
// element.
func (c Command) TargetsElement() bool {
	switch c.Verb {
	case Click, Type, Assert:
		return !c.Target.IsZero()
	}
	return false
}

// String renders the command back into the dialect.
func (c Command) String() string {
	var s string
	switch c.Verb {
	case Navigate:
		s = fmt.Sprintf("navigate %s", c.Text)
	case Click, Assert:
		s = fmt.Sprintf("%s %s", c.Verb, c.Target)
	case ClickAt:
		s = fmt.Sprintf("click_at %d %d", c.X, c.Y)
	case Type:
		s = fmt.Sprintf("type %s %s", c.Target, strconv.Quote(c.Text))
	case Press:
		s = fmt.Sprintf("press %s", c.Text)
	case Wait:
		s = fmt.Sprintf("wait %d", c.Millis)
	case WaitFor:
		s = fmt.Sprintf("wait_for %s", c.Target)
		if c.Millis > 0 {
			s += " " + strconv.Itoa(c.Millis)
		}
	case Scroll:
		s = fmt.Sprintf("scroll %s", c.Text)
		if c.Pixels > 0 {
			s += " " + strconv.Itoa(c.Pixels)
		}
	case IfExists:
		body := ""
		if c.Then != nil {
			inner := *c.Then
			inner.Comment = ""
			body = inner.String()
		}
		s = fmt.Sprintf("if_exists %s then %s", c.Target, body)
	default:
		s = string(c.Verb)
	}
	if c.Comment != "" {
		s += "  # " + c.Comment
	}
	return s
}

// Timeout returns the wait_for timeout or def when none was given.
func (c Command) Timeout(def time.Duration) time.Duration {
	if c.Millis > 0 {
		return time.Duration(c.Millis) * time.Millisecond
	}
	return def
}

// Line is a source line with its parsed command, if any.
type Line struct {
	Number  int
	Raw     string
	Indent  string
	Command *Command // nil for blank lines and comments
}

// ParseScript parses every line of text. Blank lines and comments yield
// lines without a command.
func ParseScript(text string) ([]Line, error) {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]Line, 0, len(raw))
	for i, r := range raw {
		ln := Line{Number: i + 1, Raw: r, Indent: leadingSpace(r)}
		body := strings.TrimSpace(r)
		if body != "" && !strings.HasPrefix(body, "#") {
			cmd, err := Parse(body)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			ln.Command = &cmd
		}
		lines = append(lines, ln)
	}
	return lines, nil
}

// Parse parses a single instruction.
func Parse(line string) (Command, error) {
	body, comment := splitComment(line)
	toks, err := tokenize(body)
	if err != nil {
		return Command{}, err
	}
	if len(toks) == 0 {
		return Command{}, errors.New("empty command")
	}
	cmd, rest, err := parseTokens(toks)
	if err != nil {
		return Command{}, err
	}
	if len(rest) > 0 {
		return Command{}, fmt.Errorf("%s: unexpected argument %q", cmd.Verb, rest[0].val)
	}
	cmd.Comment = comment
	return cmd, nil
}

func parseTokens(toks []token) (Command, []token, error) {
	verb := Verb(strings.ToLower(toks[0].val))
	args := toks[1:]
	cmd := Command{Verb: verb}

	switch verb {
	case Navigate, Press:
		if len(args) < 1 {
			return cmd, nil, fmt.Errorf("%s: missing argument", verb)
		}
		cmd.Text = args[0].val
		return cmd, args[1:], nil

	case Click, Assert:
		t, err := parseTarget(args)
		if err != nil {
			return cmd, nil, fmt.Errorf("%s: %w", verb, err)
		}
		cmd.Target = t
		return cmd, args[1:], nil

	case ClickAt:
		if len(args) < 2 {
			return cmd, nil, errors.New("click_at: expected x and y")
		}
		x, errX := strconv.Atoi(args[0].val)
		y, errY := strconv.Atoi(args[1].val)
		if errX != nil || errY != nil {
			return cmd, nil, errors.New("click_at: coordinates must be integers")
		}
		cmd.X, cmd.Y = x, y
		return cmd, args[2:], nil

	case Type:
		t, err := parseTarget(args)
		if err != nil {
			return cmd, nil, fmt.Errorf("type: %w", err)
		}
		if len(args) < 2 {
			return cmd, nil, errors.New("type: missing text")
		}
		cmd.Target = t
		cmd.Text = args[1].val
		return cmd, args[2:], nil

	case Wait:
		if len(args) < 1 {
			return cmd, nil, errors.New("wait: missing milliseconds")
		}
		ms, err := strconv.Atoi(args[0].val)
		if err != nil || ms < 0 {
			return cmd, nil, errors.New("wait: milliseconds must be a non-negative integer")
		}
		cmd.Millis = ms
		return cmd, args[1:], nil

	case WaitFor:
		t, err := parseTarget(args)
		if err != nil {
			return cmd, nil, fmt.Errorf("wait_for: %w", err)
		}
		cmd.Target = t
		rest := args[1:]
		if len(rest) > 0 && !rest[0].quoted {
			if ms, err := strconv.Atoi(rest[0].val); err == nil {
				cmd.Millis = ms
				rest = rest[1:]
			}
		}
		return cmd, rest, nil

	case Scroll:
		if len(args) < 1 {
			return cmd, nil, errors.New("scroll: missing direction")
		}
		dir := strings.ToLower(args[0].val)
		if dir != "up" && dir != "down" {
			return cmd, nil, fmt.Errorf("scroll: unknown direction %q", dir)
		}
		cmd.Text = dir
		rest := args[1:]
		if len(rest) > 0 {
			if px, err := strconv.Atoi(rest[0].val); err == nil {
				cmd.Pixels = px
				rest = rest[1:]
			}
		}
		return cmd, rest, nil

	case IfExists:
		t, err := parseTarget(args)
		if err != nil {
			return cmd, nil, fmt.Errorf("if_exists: %w", err)
		}
		if len(args) < 3 || strings.ToLower(args[1].val) != "then" {
			return cmd, nil, errors.New("if_exists: expected 'then <command>'")
		}
		inner, rest, err := parseTokens(args[2:])
		if err != nil {
			return cmd, nil, err
		}
		if inner.Verb == IfExists {
			return cmd, nil, errors.New("if_exists: nested conditions are not supported")
		}
		cmd.Target = t
		cmd.Then = &inner
		return cmd, rest, nil
	}
	return cmd, nil, fmt.Errorf("unknown command %q", toks[0].val)
}

func parseTarget(args []token) (Target, error) {
	if len(args) == 0 {
		return Target{}, errors.New("missing target")
	}
	a := args[0]
	if !a.quoted && strings.HasPrefix(a.val, "#") && len(a.val) > 1 {
		return Target{ID: a.val[1:]}, nil
	}
	if !a.quoted {
		return Target{}, fmt.Errorf("target must be \"text\" or #id, got %q", a.val)
	}
	return Target{Text: a.val}, nil
}

type token struct {
	val    string
	quoted bool
}

func tokenize(s string) ([]token, error) {
	var toks []token
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return toks, nil
		}
		if s[0] == '"' {
			q, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("unterminated string: %s", s)
			}
			val, err := strconv.Unquote(q)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{val: val, quoted: true})
			s = s[len(q):]
			continue
		}
		end := strings.IndexAny(s, " \t")
		if end < 0 {
			end = len(s)
		}
		toks = append(toks, token{val: s[:end]})
		s = s[end:]
	}
}

// splitComment separates a trailing "# comment" that is outside quotes.
// A '#' immediately followed by a non-space is an element id, not a comment.
func splitComment(line string) (string, string) {
	inStr, esc := false, false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			inStr = !inStr
		case '#':
			if inStr {
				continue
			}
			if i+1 < len(line) && line[i+1] != ' ' && line[i+1] != '\t' {
				continue
			}
			return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])
		}
	}
	return strings.TrimSpace(line), ""
}

func leadingSpace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

// Outcome is the result of one script execution.
type Outcome struct {
	Success      bool          `json:"success"                 yaml:"success"`
	ErrorMessage string        `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	FailedLine   int           `json:"failed_line,omitempty"   yaml:"failed_line,omitempty"`
	Duration     time.Duration `json:"duration"                yaml:"duration"`
}

// Interpreter runs a script against the live interface. A failing script is
// reported through Outcome; a returned error means the interpreter itself
// could not run and wraps ErrInterpreterUnavailable.
type Interpreter interface {
	Execute(ctx context.Context, script string) (Outcome, error)
}

// InterpreterFunc adapts a function to Interpreter.
type InterpreterFunc func(ctx context.Context, script string) (Outcome, error)

func (f InterpreterFunc) Execute(ctx context.Context, script string) (Outcome, error) {
	return f(ctx, script)
}
