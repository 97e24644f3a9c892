// Package rules is the deterministic fallback tier: error classification and
// line-level script rewrites that need neither network nor parsing of the
// whole script to succeed.
package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/polzovatel/ui-self-healing-agent/internal/snapshot"
)

// MaxConfidence caps every rule-based diagnosis below the advisory tier.
const MaxConfidence = 0.7

// maxHints bounds the change-derived suggestions appended to a diagnosis.
const maxHints = 3

// Category is a failure classification tag.
type Category string

const (
	ElementNotFound   Category = "element-not-found"
	StaleCoordinates  Category = "stale-coordinates"
	PermissionDenied  Category = "permission-denied"
	Timeout           Category = "timeout"
	GenericLogicError Category = "generic-logic-error"
)

type rule struct {
	category    Category
	patterns    []string
	confidence  float64
	summary     string
	suggestions []string
}

// Checked in order; the first rule with a matching pattern wins.
var ruleset = []rule{
	{
		category: ElementNotFound,
		patterns: []string{
			"not found", "no element", "no such element", "unable to locate", "could not find",
			"cannot find", "can't find", "does not exist", "not visible", "no node", "missing element",
		},
		confidence: MaxConfidence,
		summary:    "the script referenced an element that is not on screen",
		suggestions: []string{
			"Locate the element by its current text or identifier instead of the stale reference",
			"Wait for the screen to settle before interacting",
			"Guard the action with an existence check",
		},
	},
	{
		category: StaleCoordinates,
		patterns: []string{
			"stale", "detached", "coordinate", "out of bounds", "outside", "off-screen", "offscreen",
			"intercept", "obscured", "not clickable", "not interactable",
		},
		confidence: 0.65,
		summary:    "a fixed position no longer points at the intended element",
		suggestions: []string{
			"Replace fixed-coordinate clicks with element lookups",
			"Wait for layout to stabilise before clicking",
			"Scroll the target into view first",
		},
	},
	{
		category: PermissionDenied,
		patterns: []string{
			"permission", "denied", "not allowed", "unauthorized", "forbidden", "accessibility", "not permitted",
		},
		confidence: 0.6,
		summary:    "the platform refused the action",
		suggestions: []string{
			"Grant the automation the required accessibility or input permission",
			"Dismiss any system dialog blocking the application",
			"Retry after the permission prompt has been handled",
		},
	},
	{
		category: Timeout,
		patterns: []string{
			"timeout", "timed out", "deadline exceeded", "took too long",
		},
		confidence: 0.55,
		summary:    "the interface did not reach the expected state in time",
		suggestions: []string{
			"Add a settle delay before the first action",
			"Wait for the target element explicitly before acting",
			"Guard optional steps with an existence check",
		},
	},
}

var generic = rule{
	category:   GenericLogicError,
	confidence: 0.3,
	summary:    "the script failed for a reason no rule recognises",
	suggestions: []string{
		"Review the failing line against the current screen",
		"Add waits around state-changing actions",
		"Guard element actions with existence checks",
	},
}

// Categories returns every category in match priority order.
func Categories() []Category {
	out := make([]Category, 0, len(ruleset)+1)
	for _, r := range ruleset {
		out = append(out, r.category)
	}
	return append(out, GenericLogicError)
}

// Diagnosis is the rule tier's verdict.
type Diagnosis struct {
	Cause       Category
	Summary     string
	Suggestions []string
	Confidence  float64
}

// Classify returns the first category whose patterns occur in msg.
func Classify(msg string) Category {
	return match(msg).category
}

func match(msg string) rule {
	lower := strings.ToLower(msg)
	for _, r := range ruleset {
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				return r
			}
		}
	}
	return generic
}

// Diagnose classifies errorMessage and attaches canned suggestions plus up to
// three hints derived from the UI changes. It never fails.
func Diagnose(errorMessage string, changes []snapshot.Change) Diagnosis {
	r := match(errorMessage)
	suggestions := make([]string, 0, len(r.suggestions)+maxHints)
	suggestions = append(suggestions, r.suggestions...)
	suggestions = append(suggestions, changeHints(changes, maxHints)...)
	return Diagnosis{
		Cause:       r.category,
		Summary:     r.summary,
		Suggestions: suggestions,
		Confidence:  min(r.confidence, MaxConfidence),
	}
}

var hintPriority = map[snapshot.ChangeKind]int{
	snapshot.TextChanged:       0,
	snapshot.ElementRemoved:    1,
	snapshot.PositionChanged:   2,
	snapshot.VisibilityChanged: 3,
	snapshot.ElementAdded:      4,
	snapshot.ElementModified:   5,
}

func changeHints(changes []snapshot.Change, limit int) []string {
	if len(changes) == 0 {
		return nil
	}
	ordered := append([]snapshot.Change(nil), changes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return hintPriority[ordered[i].Kind] < hintPriority[ordered[j].Kind]
	})

	var hints []string
	for _, c := range ordered {
		if len(hints) >= limit {
			break
		}
		if h := hint(c); h != "" {
			hints = append(hints, h)
		}
	}
	return hints
}

func hint(c snapshot.Change) string {
	label := c.Element.Label()
	if label == "" {
		label = c.Element.Kind
	}
	switch c.Kind {
	case snapshot.TextChanged:
		return fmt.Sprintf("Text changed %q -> %q; update references to the old text", c.Old, c.New)
	case snapshot.ElementRemoved:
		return fmt.Sprintf("Element %q was removed; find a replacement or skip the step", label)
	case snapshot.PositionChanged:
		return fmt.Sprintf("Element %q moved from %s to %s; avoid fixed coordinates", label, c.Old, c.New)
	case snapshot.VisibilityChanged:
		return fmt.Sprintf("Element %q visibility changed %s -> %s", label, c.Old, c.New)
	case snapshot.ElementAdded:
		return fmt.Sprintf("New element %q appeared; it may be a dialog covering the target", label)
	case snapshot.ElementModified:
		return fmt.Sprintf("Element %q changed %s", label, strings.Join(c.Fields, ", "))
	}
	return ""
}
