package rules

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ui-self-healing-agent/internal/snapshot"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func el(id, kind, text string, x, y, w, h int) snapshot.Element {
	return snapshot.Element{
		ID:           id,
		Kind:         kind,
		Text:         text,
		Bounds:       snapshot.Bounds{X: x, Y: y, Width: w, Height: h},
		Interactable: true,
		Enabled:      true,
		Visible:      true,
	}
}

func TestClassify_PriorityOrder(t *testing.T) {
	cases := []struct {
		msg  string
		want Category
	}{
		{`line 3: element "Login" not found`, ElementNotFound},
		{"timeout: element not found after 5s", ElementNotFound},
		{"click intercepted at 120,340", StaleCoordinates},
		{"stale element reference", StaleCoordinates},
		{"Permission denied by accessibility service", PermissionDenied},
		{"operation timed out", Timeout},
		{"context deadline exceeded", Timeout},
		{"assertion failed: expected dashboard", GenericLogicError},
		{"", GenericLogicError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.msg), tc.msg)
	}
}

func TestCategories(t *testing.T) {
	assert.Equal(t, []Category{ElementNotFound, StaleCoordinates, PermissionDenied, Timeout, GenericLogicError}, Categories())
}

func TestDiagnose_ConfidenceCapped(t *testing.T) {
	for _, msg := range []string{"not found", "stale", "denied", "timeout", "weird"} {
		d := Diagnose(msg, nil)
		assert.LessOrEqual(t, d.Confidence, MaxConfidence)
		assert.Greater(t, d.Confidence, 0.0)
		assert.NotEmpty(t, d.Suggestions)
		assert.NotEmpty(t, d.Summary)
	}
}

func TestDiagnose_ChangeHints(t *testing.T) {
	before := snapshot.New([]snapshot.Element{
		el("login", "button", "Login", 10, 10, 80, 30),
		el("help", "link", "Help", 10, 50, 40, 20),
		el("a", "button", "A", 0, 0, 10, 10),
		el("b", "button", "B", 0, 20, 10, 10),
	}, t0)
	after := snapshot.New([]snapshot.Element{
		el("login", "button", "Sign in", 10, 10, 80, 30),
		el("a", "button", "A", 5, 0, 10, 10),
		el("b", "button", "B", 5, 20, 10, 10),
		el("banner", "dialog", "Cookies", 0, 0, 300, 100),
	}, t0)
	changes := snapshot.Diff(before, after)

	d := Diagnose(`element "Login" not found`, changes)
	require.Equal(t, ElementNotFound, d.Cause)

	hints := d.Suggestions[len(d.Suggestions)-maxHints:]
	assert.Contains(t, hints[0], `"Login" -> "Sign in"`)
	assert.Contains(t, hints[1], `"Help" was removed`)
	assert.Contains(t, hints[2], "moved")
	for _, s := range d.Suggestions {
		assert.NotContains(t, s, "Cookies")
	}
}

func TestPatch_ReplacesCoordinateClick(t *testing.T) {
	current := snapshot.New([]snapshot.Element{
		el("", "button", "Cancel", 0, 0, 100, 40),
		el("submit", "button", "Sign in", 100, 0, 100, 40),
	}, t0)

	out := Patch("wait 500\nclick_at 20 20  # sign in button", current, PatchOptions{})
	assert.Equal(t, "wait 500\nif_exists #submit then click #submit  # sign in button", out)

	// no context: smallest containing element
	out = Patch("wait 500\nclick_at 20 20", current, PatchOptions{})
	assert.Equal(t, `wait 500`+"\n"+`if_exists "Cancel" then click "Cancel"`, out)
}

func TestPatch_CoordinateFallbacks(t *testing.T) {
	current := snapshot.New([]snapshot.Element{
		{Kind: "text", Text: "Hello", Visible: true, Enabled: true},
		el("", "link", "Docs", 500, 500, 10, 10),
		el("ok", "button", "OK", 600, 600, 10, 10),
	}, t0)
	out := Patch("wait 1\nclick_at 1 1", current, PatchOptions{})
	assert.Equal(t, "wait 1\nif_exists #ok then click #ok", out)

	out = Patch("wait 1\nclick_at 1 1", snapshot.New(nil, t0), PatchOptions{})
	assert.Equal(t, "wait 1\nclick_at 1 1", out)

	out = Patch("wait 1\nclick_at 1 1", nil, PatchOptions{})
	assert.Equal(t, "wait 1\nclick_at 1 1", out)
}

func TestPatch_InsertsSettleDelayOnce(t *testing.T) {
	src := "navigate https://example.test\n  click \"Login\"\npress Enter"
	out := Patch(src, nil, PatchOptions{SettleDelay: 750 * time.Millisecond})
	assert.Equal(t, "navigate https://example.test\n  wait 750\n  if_exists \"Login\" then click \"Login\"\npress Enter", out)

	// a wait after the first action does not count
	out = Patch("press Tab\nwait 100", nil, PatchOptions{})
	assert.Equal(t, "wait 1000\npress Tab\nwait 100", out)
}

func TestPatch_WrapsOnlyDirectActions(t *testing.T) {
	src := strings.Join([]string{
		"wait 10",
		`type #email "me@example.test"`,
		`assert "Dashboard"`,
		`if_exists "Accept" then click "Accept"`,
	}, "\n")
	out := Patch(src, nil, PatchOptions{})
	assert.Equal(t, strings.Join([]string{
		"wait 10",
		`if_exists #email then type #email "me@example.test"`,
		`assert "Dashboard"`,
		`if_exists "Accept" then click "Accept"`,
	}, "\n"), out)
}

func TestPatch_RetargetsChangedText(t *testing.T) {
	changes := []snapshot.Change{{Kind: snapshot.TextChanged, Key: "id:login", Old: "Login", New: "Sign in"}}
	out := Patch("wait 10\nclick \"Login\"\nif_exists \"Login\" then click \"Login\"", nil, PatchOptions{Changes: changes})
	assert.Equal(t, "wait 10\nif_exists \"Sign in\" then click \"Sign in\"\nif_exists \"Sign in\" then click \"Sign in\"", out)
}

func TestPatch_KeepsCommentsAndUnparsedLines(t *testing.T) {
	src := "# login flow\n\nwait 10\nfrobnicate everything\nclick #go  # go!"
	out := Patch(src, nil, PatchOptions{})
	assert.Equal(t, "# login flow\n\nwait 10\nfrobnicate everything\nif_exists #go then click #go  # go!", out)
}

func TestPatch_Idempotent(t *testing.T) {
	current := snapshot.New([]snapshot.Element{
		el("submit", "button", "Sign in", 100, 0, 100, 40),
	}, t0)
	changes := []snapshot.Change{{Kind: snapshot.TextChanged, Old: "Login", New: "Sign in"}}
	scripts := []string{
		"click_at 120 10  # sign in\ntype \"Email\" \"x\"\nassert \"Home\"",
		"navigate https://a.test\n\tclick \"Login\"\nclick_at 5 500",
		"",
		"# only comments",
	}
	for _, src := range scripts {
		once := Patch(src, current, PatchOptions{Changes: changes})
		twice := Patch(once, current, PatchOptions{Changes: changes})
		assert.Equal(t, once, twice, src)
	}
}
