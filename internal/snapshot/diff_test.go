package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func button(id, text string, x, y int) Element {
	return Element{
		ID:           id,
		Kind:         "button",
		Text:         text,
		Bounds:       Bounds{X: x, Y: y, Width: 100, Height: 30},
		Interactable: true,
		Enabled:      true,
		Visible:      true,
	}
}

func TestDiff_SameSnapshotIsEmpty(t *testing.T) {
	s := New([]Element{
		button("login", "Login", 10, 20),
		button("", "Cancel", 10, 60),
		{Kind: "text", Text: "Welcome", Visible: true, Enabled: true},
	}, t0)

	assert.Empty(t, Diff(s, s))
}

func TestDiff_NilSnapshots(t *testing.T) {
	assert.Empty(t, Diff(nil, nil))

	s := New([]Element{button("a", "A", 0, 0)}, t0)
	added := Diff(nil, s)
	require.Len(t, added, 1)
	assert.Equal(t, ElementAdded, added[0].Kind)

	removed := Diff(s, nil)
	require.Len(t, removed, 1)
	assert.Equal(t, ElementRemoved, removed[0].Kind)
}

func TestDiff_TextChangedOnly(t *testing.T) {
	before := New([]Element{button("submit", "Login", 10, 20), button("help", "Help", 10, 60)}, t0)
	after := New([]Element{button("submit", "Sign in", 10, 20), button("help", "Help", 10, 60)}, t0.Add(time.Second))

	changes := Diff(before, after)
	require.Len(t, changes, 1)
	assert.Equal(t, TextChanged, changes[0].Kind)
	assert.Equal(t, "id:submit", changes[0].Key)
	assert.Equal(t, "Login", changes[0].Old)
	assert.Equal(t, "Sign in", changes[0].New)
}

func TestDiff_FirstMatchingRuleWins(t *testing.T) {
	prev := button("x", "Old", 0, 0)
	curr := button("x", "New", 50, 50)
	curr.Visible = false
	curr.Kind = "link"

	changes := Diff(New([]Element{prev}, t0), New([]Element{curr}, t0))
	require.Len(t, changes, 1)
	assert.Equal(t, TextChanged, changes[0].Kind)

	curr.Text = "Old"
	changes = Diff(New([]Element{prev}, t0), New([]Element{curr}, t0))
	require.Len(t, changes, 1)
	assert.Equal(t, PositionChanged, changes[0].Kind)
	assert.Equal(t, "0,0,100,30", changes[0].Old)
	assert.Equal(t, "50,50,100,30", changes[0].New)

	curr.Bounds = prev.Bounds
	changes = Diff(New([]Element{prev}, t0), New([]Element{curr}, t0))
	require.Len(t, changes, 1)
	assert.Equal(t, VisibilityChanged, changes[0].Kind)

	curr.Visible = true
	changes = Diff(New([]Element{prev}, t0), New([]Element{curr}, t0))
	require.Len(t, changes, 1)
	assert.Equal(t, ElementModified, changes[0].Kind)
	assert.Equal(t, []string{"kind"}, changes[0].Fields)
}

func TestDiff_ModifiedAttributesAndFlags(t *testing.T) {
	prev := button("field", "", 0, 0)
	prev.Attributes = map[string]string{"placeholder": "Email"}
	curr := prev
	curr.Attributes = map[string]string{"placeholder": "E-mail"}
	curr.Enabled = false

	changes := Diff(New([]Element{prev}, t0), New([]Element{curr}, t0))
	require.Len(t, changes, 1)
	assert.Equal(t, ElementModified, changes[0].Kind)
	assert.Equal(t, []string{"enabled", "attributes"}, changes[0].Fields)
}

func TestDiff_CompositeKeyWithoutID(t *testing.T) {
	// Without an identifier the key includes text, so a text edit reads as
	// one removal plus one addition.
	before := New([]Element{button("", "Login", 10, 20)}, t0)
	after := New([]Element{button("", "Sign in", 10, 20)}, t0)

	changes := Diff(before, after)
	require.Len(t, changes, 2)
	assert.Equal(t, ElementAdded, changes[0].Kind)
	assert.Equal(t, "box:10,20,100,30|Sign in", changes[0].Key)
	assert.Equal(t, ElementRemoved, changes[1].Kind)
	assert.Equal(t, "box:10,20,100,30|Login", changes[1].Key)
}

func TestDiff_CompletenessOfAddedAndRemoved(t *testing.T) {
	before := New([]Element{
		button("a", "A", 0, 0),
		button("b", "B", 0, 40),
		button("", "anon", 0, 80),
	}, t0)
	after := New([]Element{
		button("b", "B", 0, 40),
		button("c", "C", 0, 120),
		button("d", "D", 0, 160),
	}, t0)

	seen := map[string]int{}
	for _, c := range Diff(before, after) {
		if c.Kind == ElementAdded || c.Kind == ElementRemoved {
			seen[c.Key]++
		}
	}
	assert.Equal(t, map[string]int{
		"id:a":                 1,
		"box:0,80,100,30|anon": 1,
		"id:c":                 1,
		"id:d":                 1,
	}, seen)
}

func TestDiff_DuplicateKeysUseFirstOccurrence(t *testing.T) {
	before := New([]Element{button("dup", "First", 0, 0), button("dup", "Second", 0, 40)}, t0)
	after := New([]Element{button("dup", "First", 0, 0)}, t0)
	assert.Empty(t, Diff(before, after))
}

func TestDiff_Deterministic(t *testing.T) {
	before := New([]Element{button("a", "A", 0, 0), button("b", "B", 0, 40)}, t0)
	after := New([]Element{button("c", "C", 0, 0), button("b", "B2", 0, 40)}, t0)

	first := Diff(before, after)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Diff(before, after))
	}
}

func TestFormatChanges(t *testing.T) {
	assert.Equal(t, "no UI changes detected", FormatChanges(nil, 5))

	changes := []Change{
		{Kind: TextChanged, Key: "id:x", Old: "Login", New: "Sign in", Element: button("x", "Sign in", 0, 0)},
		{Kind: ElementAdded, Key: "id:y", Element: button("y", "Next", 0, 0)},
		{Kind: ElementRemoved, Key: "id:z", Element: button("z", "Back", 0, 0)},
	}
	out := FormatChanges(changes, 2)
	assert.Contains(t, out, `text_changed button "Sign in": "Login" -> "Sign in" (id:x)`)
	assert.Contains(t, out, `added button "Next" (id:y)`)
	assert.Contains(t, out, "... and 1 more")
}
