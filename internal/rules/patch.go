package rules

import (
	"strings"
	"time"
	"unicode"

	"github.com/polzovatel/ui-self-healing-agent/internal/script"
	"github.com/polzovatel/ui-self-healing-agent/internal/snapshot"
)

// DefaultSettleDelay is inserted before the first action when the caller
// does not choose one.
const DefaultSettleDelay = time.Second

// preferredKinds are tried, in order, when a coordinate click has no context
// to match against.
var preferredKinds = []string{"button", "link", "menuitem"}

// PatchOptions tunes Patch.
type PatchOptions struct {
	SettleDelay time.Duration
	// Changes from the last failed attempt. Text references to an element
	// whose text changed are retargeted to the new text.
	Changes []snapshot.Change
}

// Patch rewrites script line by line:
//   - click_at x y becomes a click on the best matching interactable element
//     of current, when one can be found;
//   - click/type targets whose text changed are retargeted;
//   - a settle wait is inserted before the first action unless a wait
//     already precedes it;
//   - clicks and typing are wrapped in if_exists unless already wrapped.
//
// Lines that do not parse are kept verbatim. Patch(Patch(s)) == Patch(s).
func Patch(src string, current *snapshot.Snapshot, opts PatchOptions) string {
	delay := opts.SettleDelay
	if delay <= 0 {
		delay = DefaultSettleDelay
	}
	renames := textRenames(opts.Changes)
	candidates := addressable(current.Interactable())

	raw := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(raw)+1)
	waited, acted := false, false

	for _, line := range raw {
		body := strings.TrimSpace(line)
		if body == "" || strings.HasPrefix(body, "#") {
			out = append(out, line)
			continue
		}
		cmd, err := script.Parse(body)
		if err != nil {
			out = append(out, line)
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]

		if cmd.Verb == script.ClickAt {
			if el, ok := bestElement(candidates, cmd.X, cmd.Y, cmd.Comment); ok {
				cmd = script.Command{Verb: script.Click, Target: targetFor(el), Comment: cmd.Comment}
			}
		}
		retarget(&cmd, renames)
		if cmd.Then != nil {
			retarget(cmd.Then, renames)
		}

		switch {
		case cmd.Verb == script.Wait || cmd.Verb == script.WaitFor:
			waited = true
		case cmd.IsAction() && !acted:
			acted = true
			if !waited {
				settle := script.Command{Verb: script.Wait, Millis: int(delay / time.Millisecond)}
				out = append(out, indent+settle.String())
				waited = true
			}
		}

		if guardable(cmd) {
			inner := cmd
			inner.Comment = ""
			cmd = script.Command{Verb: script.IfExists, Target: inner.Target, Then: &inner, Comment: cmd.Comment}
		}
		out = append(out, indent+cmd.String())
	}
	return strings.Join(out, "\n")
}

// guardable reports whether cmd is a direct element action worth wrapping.
// Assertions are left alone: wrapping one would make it vacuous.
func guardable(cmd script.Command) bool {
	return (cmd.Verb == script.Click || cmd.Verb == script.Type) && !cmd.Target.IsZero()
}

func textRenames(changes []snapshot.Change) map[string]string {
	renames := make(map[string]string)
	for _, c := range changes {
		if c.Kind != snapshot.TextChanged {
			continue
		}
		old, repl := strings.TrimSpace(c.Old), strings.TrimSpace(c.New)
		if old == "" || repl == "" || old == repl {
			continue
		}
		if _, seen := renames[old]; !seen {
			renames[old] = repl
		}
	}
	return renames
}

func retarget(cmd *script.Command, renames map[string]string) {
	if cmd.Target.Text == "" {
		return
	}
	if repl, ok := renames[strings.TrimSpace(cmd.Target.Text)]; ok {
		cmd.Target.Text = repl
	}
}

func addressable(elems []snapshot.Element) []snapshot.Element {
	out := elems[:0:0]
	for _, el := range elems {
		if strings.TrimSpace(el.ID) != "" || el.Label() != "" {
			out = append(out, el)
		}
	}
	return out
}

func targetFor(el snapshot.Element) script.Target {
	if id := strings.TrimSpace(el.ID); id != "" {
		return script.Target{ID: id}
	}
	return script.Target{Text: el.Label()}
}

// bestElement picks the element a stale coordinate click most likely meant:
// a containing element that matches the context, then the best context
// match anywhere, then the smallest containing element, then the first
// element of a preferred kind.
func bestElement(elems []snapshot.Element, x, y int, context string) (snapshot.Element, bool) {
	if len(elems) == 0 {
		return snapshot.Element{}, false
	}
	words := tokens(context)

	bestIdx, bestScore := -1, 0
	for i, el := range elems {
		score := overlap(words, el)
		if score == 0 {
			continue
		}
		if el.Bounds.Contains(x, y) {
			score += 1000
		}
		if score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	if bestIdx >= 0 {
		return elems[bestIdx], true
	}

	smallest := -1
	for i, el := range elems {
		if !el.Bounds.Contains(x, y) {
			continue
		}
		if smallest < 0 || area(el.Bounds) < area(elems[smallest].Bounds) {
			smallest = i
		}
	}
	if smallest >= 0 {
		return elems[smallest], true
	}

	for _, kind := range preferredKinds {
		for _, el := range elems {
			if strings.EqualFold(el.Kind, kind) {
				return el, true
			}
		}
	}
	return snapshot.Element{}, false
}

func area(b snapshot.Bounds) int { return b.Width * b.Height }

func overlap(words map[string]bool, el snapshot.Element) int {
	if len(words) == 0 {
		return 0
	}
	n := 0
	for w := range tokens(el.Text + " " + el.Description + " " + el.ID) {
		if words[w] {
			n++
		}
	}
	return n
}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) > 1 {
			out[f] = true
		}
	}
	return out
}
