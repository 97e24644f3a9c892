package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// ErrCaptureUnavailable is returned when the platform surface cannot be read
// (no active target, permission denied, transient timeout).
var ErrCaptureUnavailable = errors.New("capture unavailable")

// Bounds is an element's bounding rectangle in screen pixels.
type Bounds struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"w" yaml:"w"`
	Height int `json:"h" yaml:"h"`
}

// Contains reports whether the point lies inside the rectangle.
func (b Bounds) Contains(x, y int) bool {
	return x >= b.X && y >= b.Y && x < b.X+b.Width && y < b.Y+b.Height
}

// Center returns the midpoint of the rectangle.
func (b Bounds) Center() (int, int) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Empty reports whether the rectangle has no area.
func (b Bounds) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

func (b Bounds) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", b.X, b.Y, b.Width, b.Height)
}

// Element describes one node of a UI snapshot. Hierarchy is flattened; Path
// keeps a breadcrumb for humans but is never used for matching.
type Element struct {
	ID           string            `json:"id,omitempty"          yaml:"id,omitempty"`
	Kind         string            `json:"kind"                  yaml:"kind"`
	Bounds       Bounds            `json:"bounds"                yaml:"bounds"`
	Text         string            `json:"text,omitempty"        yaml:"text,omitempty"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Interactable bool              `json:"interactable,omitempty" yaml:"interactable,omitempty"`
	Scrollable   bool              `json:"scrollable,omitempty"  yaml:"scrollable,omitempty"`
	Editable     bool              `json:"editable,omitempty"    yaml:"editable,omitempty"`
	Enabled      bool              `json:"enabled"               yaml:"enabled"`
	Visible      bool              `json:"visible"               yaml:"visible"`
	Attributes   map[string]string `json:"attributes,omitempty"  yaml:"attributes,omitempty"`
	Path         string            `json:"path,omitempty"        yaml:"path,omitempty"`
}

func (e Element) clone() Element {
	if e.Attributes != nil {
		attrs := make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			attrs[k] = v
		}
		e.Attributes = attrs
	}
	return e
}

// Label is the most human-meaningful name for the element.
func (e Element) Label() string {
	if t := strings.TrimSpace(e.Text); t != "" {
		return t
	}
	return strings.TrimSpace(e.Description)
}

// Snapshot is a point-in-time read of the UI. It is never mutated after
// construction; a new capture always produces a new Snapshot.
type Snapshot struct {
	elements    []Element
	capturedAt  time.Time
	image       []byte
	imageFormat string
	source      string
}

// Option customises a snapshot at construction time.
type Option func(*Snapshot)

// WithImage attaches a raster image (e.g. "png").
func WithImage(data []byte, format string) Option {
	return func(s *Snapshot) {
		s.image = append([]byte(nil), data...)
		s.imageFormat = format
	}
}

// WithSource records where the snapshot came from (URL, app name).
func WithSource(src string) Option {
	return func(s *Snapshot) { s.source = src }
}

// New builds a snapshot from a copy of elements.
func New(elements []Element, at time.Time, opts ...Option) *Snapshot {
	s := &Snapshot{
		elements:   make([]Element, len(elements)),
		capturedAt: at,
	}
	for i, el := range elements {
		s.elements[i] = el.clone()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Elements returns a copy of the element list in capture order.
func (s *Snapshot) Elements() []Element {
	if s == nil {
		return nil
	}
	out := make([]Element, len(s.elements))
	for i, el := range s.elements {
		out[i] = el.clone()
	}
	return out
}

// Len returns the number of elements.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.elements)
}

func (s *Snapshot) CapturedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.capturedAt
}

func (s *Snapshot) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Image returns a copy of the raster image and its format, if any.
func (s *Snapshot) Image() ([]byte, string) {
	if s == nil || len(s.image) == 0 {
		return nil, ""
	}
	return append([]byte(nil), s.image...), s.imageFormat
}

// Interactable returns the visible, enabled elements a script can act on.
func (s *Snapshot) Interactable() []Element {
	if s == nil {
		return nil
	}
	var out []Element
	for _, el := range s.elements {
		if el.Interactable && el.Visible && el.Enabled {
			out = append(out, el.clone())
		}
	}
	return out
}

// Find returns the element with the given diff key.
func (s *Snapshot) Find(key string) (Element, bool) {
	if s == nil {
		return Element{}, false
	}
	for _, el := range s.elements {
		if Key(el) == key {
			return el.clone(), true
		}
	}
	return Element{}, false
}

// String renders a compact, prompt-friendly view of the snapshot.
func (s *Snapshot) String() string {
	if s == nil {
		return "SNAPSHOT: <none>\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SOURCE: %s\nCAPTURED: %s\nELEMENTS:\n", s.source, s.capturedAt.Format(time.RFC3339))
	for i, el := range Rank(s.elements, 60) {
		fmt.Fprintf(&b, "%d) kind=%s id=%s text=%q desc=%q bounds=%s", i+1, el.Kind, el.ID, truncate(el.Text, 60), truncate(el.Description, 60), el.Bounds)
		if el.Interactable {
			b.WriteString(" interactable")
		}
		if !el.Visible {
			b.WriteString(" hidden")
		}
		if !el.Enabled {
			b.WriteString(" disabled")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// WithDeadline shortens context to avoid long snapshot waits.
func WithDeadline(ctx context.Context, dur time.Duration) (context.Context, context.CancelFunc) {
	if dur <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dur)
}

// Capturer reads the live interface. Implementations wrap
// ErrCaptureUnavailable when the surface cannot be read.
type Capturer interface {
	Capture(ctx context.Context) (*Snapshot, error)
}

// CaptureFunc adapts a function to Capturer.
type CaptureFunc func(ctx context.Context) (*Snapshot, error)

func (f CaptureFunc) Capture(ctx context.Context) (*Snapshot, error) { return f(ctx) }

// Rank orders elements by relevance and keeps at most maxCount of them.
// Elements that score zero or below are dropped only when trimming is needed.
func Rank(elems []Element, maxCount int) []Element {
	if maxCount <= 0 || len(elems) <= maxCount {
		return elems
	}

	type scoredElement struct {
		element Element
		score   int
		order   int
	}

	scored := make([]scoredElement, 0, len(elems))
	for i, el := range elems {
		score := scoreElement(el)
		if score > 0 {
			scored = append(scored, scoredElement{element: el, score: score, order: i})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	result := make([]Element, 0, maxCount)
	for i := 0; i < len(scored) && i < maxCount; i++ {
		result = append(result, scored[i].element)
	}
	return result
}

func scoreElement(el Element) int {
	score := 0
	if el.Interactable {
		score += 5
	}
	if el.Editable {
		score += 2
	}
	if el.ID != "" {
		score += 3
	}
	if len(el.Text) > 0 {
		score += 3
		if len(el.Text) < 200 {
			score += 2
		}
	}
	if el.Description != "" {
		score += 2
	}
	if !el.Visible {
		score -= 4
	}
	if el.Text == "" && el.Description == "" && el.ID == "" {
		score -= 5
	}
	if len(el.Text) > 500 {
		score -= 3
	}
	return score
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// record is the on-disk form of a snapshot.
type record struct {
	CapturedAt  time.Time `json:"captured_at"`
	Source      string    `json:"source,omitempty"`
	ImageFormat string    `json:"image_format,omitempty"`
	Image       []byte    `json:"image,omitempty"`
	Elements    []Element `json:"elements"`
}

// MarshalJSON lets snapshots be persisted and exchanged despite having
// unexported fields.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{
		CapturedAt:  s.capturedAt,
		Source:      s.source,
		ImageFormat: s.imageFormat,
		Image:       s.image,
		Elements:    s.elements,
	})
}

// Save writes the snapshot to path as JSON.
func Save(path string, s *Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a snapshot previously written by Save.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	opts := []Option{WithSource(rec.Source)}
	if len(rec.Image) > 0 {
		opts = append(opts, WithImage(rec.Image, rec.ImageFormat))
	}
	return New(rec.Elements, rec.CapturedAt, opts...), nil
}
