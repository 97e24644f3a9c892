package snapshot

import (
	"fmt"
	"strings"
)

// ChangeKind is the kind of UI change detected between two snapshots.
type ChangeKind string

const (
	ElementAdded      ChangeKind = "added"
	ElementRemoved    ChangeKind = "removed"
	TextChanged       ChangeKind = "text_changed"
	PositionChanged   ChangeKind = "position_changed"
	VisibilityChanged ChangeKind = "visibility_changed"
	ElementModified   ChangeKind = "modified"
)

// Change is a single difference between two snapshots. Old and New carry the
// before/after value for text, position and visibility changes; Fields lists
// the differing properties of a Modified element.
type Change struct {
	Kind    ChangeKind `json:"kind"              yaml:"kind"`
	Key     string     `json:"key"               yaml:"key"`
	Old     string     `json:"old,omitempty"     yaml:"old,omitempty"`
	New     string     `json:"new,omitempty"     yaml:"new,omitempty"`
	Fields  []string   `json:"fields,omitempty"  yaml:"fields,omitempty"`
	Element Element    `json:"element"           yaml:"element"`
}

func (c Change) String() string {
	label := c.Element.Label()
	if label == "" {
		label = c.Element.Kind
	}
	switch c.Kind {
	case ElementAdded, ElementRemoved:
		return fmt.Sprintf("%s %s %q (%s)", c.Kind, c.Element.Kind, label, c.Key)
	case ElementModified:
		return fmt.Sprintf("%s %s %q fields=%s (%s)", c.Kind, c.Element.Kind, label, strings.Join(c.Fields, ","), c.Key)
	default:
		return fmt.Sprintf("%s %s %q: %q -> %q (%s)", c.Kind, c.Element.Kind, label, c.Old, c.New, c.Key)
	}
}

// FormatChanges renders at most max changes, one per line.
func FormatChanges(changes []Change, max int) string {
	if len(changes) == 0 {
		return "no UI changes detected"
	}
	var b strings.Builder
	for i, c := range changes {
		if max > 0 && i >= max {
			fmt.Fprintf(&b, "... and %d more\n", len(changes)-max)
			break
		}
		b.WriteString(c.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Key identifies an element across snapshots: its identifier when it has
// one, otherwise its bounding box plus text.
func Key(el Element) string {
	if id := strings.TrimSpace(el.ID); id != "" {
		return "id:" + id
	}
	return "box:" + el.Bounds.String() + "|" + el.Text
}

// Diff compares two snapshots. Elements only in after are Added, elements
// only in before are Removed. For shared keys exactly one change is emitted
// and the first matching rule wins: text, then position, then visibility,
// then any other field. Added and per-element changes follow the order of
// after; Removed entries follow the order of before. A nil snapshot counts
// as empty. When a key repeats inside one snapshot, the first occurrence is
// used.
func Diff(before, after *Snapshot) []Change {
	prev := index(before)
	curr := index(after)

	var changes []Change
	for _, key := range curr.order {
		el := curr.byKey[key]
		old, existed := prev.byKey[key]
		if !existed {
			changes = append(changes, Change{Kind: ElementAdded, Key: key, Element: el.clone()})
			continue
		}
		if c, ok := compare(key, old, el); ok {
			changes = append(changes, c)
		}
	}

	for _, key := range prev.order {
		if _, exists := curr.byKey[key]; !exists {
			changes = append(changes, Change{Kind: ElementRemoved, Key: key, Element: prev.byKey[key].clone()})
		}
	}
	return changes
}

type keyed struct {
	order []string
	byKey map[string]Element
}

func index(s *Snapshot) keyed {
	k := keyed{byKey: make(map[string]Element)}
	if s == nil {
		return k
	}
	for _, el := range s.elements {
		key := Key(el)
		if _, dup := k.byKey[key]; dup {
			continue
		}
		k.byKey[key] = el
		k.order = append(k.order, key)
	}
	return k
}

func compare(key string, prev, curr Element) (Change, bool) {
	switch {
	case prev.Text != curr.Text:
		return Change{Kind: TextChanged, Key: key, Old: prev.Text, New: curr.Text, Element: curr.clone()}, true
	case prev.Bounds != curr.Bounds:
		return Change{Kind: PositionChanged, Key: key, Old: prev.Bounds.String(), New: curr.Bounds.String(), Element: curr.clone()}, true
	case prev.Visible != curr.Visible:
		return Change{Kind: VisibilityChanged, Key: key, Old: fmt.Sprint(prev.Visible), New: fmt.Sprint(curr.Visible), Element: curr.clone()}, true
	}
	if fields := modifiedFields(prev, curr); len(fields) > 0 {
		return Change{Kind: ElementModified, Key: key, Fields: fields, Element: curr.clone()}, true
	}
	return Change{}, false
}

func modifiedFields(prev, curr Element) []string {
	var fields []string
	if prev.Kind != curr.Kind {
		fields = append(fields, "kind")
	}
	if prev.Description != curr.Description {
		fields = append(fields, "description")
	}
	if prev.Interactable != curr.Interactable {
		fields = append(fields, "interactable")
	}
	if prev.Scrollable != curr.Scrollable {
		fields = append(fields, "scrollable")
	}
	if prev.Editable != curr.Editable {
		fields = append(fields, "editable")
	}
	if prev.Enabled != curr.Enabled {
		fields = append(fields, "enabled")
	}
	if !sameAttributes(prev.Attributes, curr.Attributes) {
		fields = append(fields, "attributes")
	}
	return fields
}

func sameAttributes(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
