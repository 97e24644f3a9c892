package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/polzovatel/ui-self-healing-agent/internal/snapshot"
)

const defaultElementLimit = 300

// RawElement is what the in-page collector returns for one node.
type RawElement struct {
	ID           string            `json:"id"`
	Tag          string            `json:"tag"`
	Role         string            `json:"role"`
	Text         string            `json:"text"`
	Label        string            `json:"label"`
	X            float64           `json:"x"`
	Y            float64           `json:"y"`
	W            float64           `json:"w"`
	H            float64           `json:"h"`
	Visible      bool              `json:"visible"`
	Enabled      bool              `json:"enabled"`
	Editable     bool              `json:"editable"`
	Scrollable   bool              `json:"scrollable"`
	Interactable bool              `json:"interactable"`
	Attrs        map[string]string `json:"attrs"`
	Path         string            `json:"path"`
}

// kind prefers the ARIA role and falls back to a normalized tag.
func (r RawElement) kind() string {
	if role := strings.ToLower(strings.TrimSpace(r.Role)); role != "" {
		return role
	}
	switch tag := strings.ToLower(r.Tag); tag {
	case "a":
		return "link"
	case "input", "textarea":
		if t := strings.ToLower(r.Attrs["type"]); t == "button" || t == "submit" {
			return "button"
		}
		return "textbox"
	case "select":
		return "combobox"
	case "":
		return "generic"
	default:
		return tag
	}
}

func toElements(raw []RawElement) []snapshot.Element {
	out := make([]snapshot.Element, 0, len(raw))
	for _, r := range raw {
		el := snapshot.Element{
			ID:   strings.TrimSpace(r.ID),
			Kind: r.kind(),
			Bounds: snapshot.Bounds{
				X:      int(r.X + 0.5),
				Y:      int(r.Y + 0.5),
				Width:  int(r.W + 0.5),
				Height: int(r.H + 0.5),
			},
			Text:         strings.Join(strings.Fields(r.Text), " "),
			Description:  strings.TrimSpace(r.Label),
			Interactable: r.Interactable,
			Scrollable:   r.Scrollable,
			Editable:     r.Editable,
			Enabled:      r.Enabled,
			Visible:      r.Visible,
			Path:         r.Path,
		}
		if len(r.Attrs) > 0 {
			el.Attributes = make(map[string]string, len(r.Attrs))
			for k, v := range r.Attrs {
				if v != "" {
					el.Attributes[k] = v
				}
			}
		}
		out = append(out, el)
	}
	return out
}

// CaptureOptions tune what a Capturer records.
type CaptureOptions struct {
	// Limit caps collected elements before ranking; 0 means 300.
	Limit int
	// Screenshot attaches a PNG to every snapshot.
	Screenshot bool
}

// Capturer reads the live page into snapshots.
type Capturer struct {
	ctrl Controller
	opts CaptureOptions
}

func NewCapturer(ctrl Controller, opts CaptureOptions) *Capturer {
	if opts.Limit <= 0 {
		opts.Limit = defaultElementLimit
	}
	return &Capturer{ctrl: ctrl, opts: opts}
}

// Capture implements snapshot.Capturer. Every failure wraps
// snapshot.ErrCaptureUnavailable; a screenshot failure only drops the image.
func (c *Capturer) Capture(ctx context.Context) (*snapshot.Snapshot, error) {
	raw, err := c.ctrl.Elements(ctx, c.opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", snapshot.ErrCaptureUnavailable, err)
	}
	elems := snapshot.Rank(toElements(raw), c.opts.Limit)

	opts := []snapshot.Option{snapshot.WithSource(c.ctrl.URL())}
	if c.opts.Screenshot {
		if img, err := c.ctrl.Screenshot(ctx); err == nil && len(img) > 0 {
			opts = append(opts, snapshot.WithImage(img, "png"))
		}
	}
	return snapshot.New(elems, time.Now(), opts...), nil
}

const collectScript = `(limit) => {
	const out = [];
	const attrNames = ["name","type","placeholder","href","data-testid","title","value"];
	function path(el) {
		const parts = [];
		for (let p = el; p && p.tagName && parts.length < 4; p = p.parentElement) {
			let s = p.tagName.toLowerCase();
			if (p.id) s += "#" + p.id;
			parts.unshift(s);
		}
		return parts.join(">");
	}
	function scan(root) {
		if (!root || out.length >= limit) return;
		let nodes;
		try {
			nodes = root.querySelectorAll("a,button,input,select,textarea,label,h1,h2,h3,[role],[tabindex],[data-testid],[onclick],[contenteditable]");
		} catch (e) { return; }
		for (const el of nodes) {
			if (out.length >= limit) break;
			try {
				const r = el.getBoundingClientRect();
				if (r.width === 0 && r.height === 0) continue;
				const style = window.getComputedStyle(el);
				const tag = el.tagName.toLowerCase();
				const visible = style.visibility !== "hidden" && style.display !== "none" && r.bottom >= 0 && r.right >= 0;
				const editable = el.isContentEditable || ((tag === "input" || tag === "textarea") && !el.readOnly);
				const attrs = {};
				for (const a of attrNames) {
					const v = el.getAttribute(a);
					if (v) attrs[a] = v.slice(0, 120);
				}
				out.push({
					id: el.id || el.getAttribute("data-testid") || el.getAttribute("name") || "",
					tag: tag,
					role: el.getAttribute("role") || "",
					text: (el.innerText || el.value || "").trim().slice(0, 120),
					label: el.getAttribute("aria-label") || el.getAttribute("placeholder") || el.getAttribute("title") || "",
					x: r.x, y: r.y, w: r.width, h: r.height,
					visible: visible,
					enabled: !el.disabled && el.getAttribute("aria-disabled") !== "true",
					editable: editable,
					scrollable: (style.overflowY === "auto" || style.overflowY === "scroll") && el.scrollHeight > el.clientHeight,
					interactable: ["a","button","input","select","textarea"].includes(tag) || el.hasAttribute("onclick") || el.tabIndex >= 0 || !!el.getAttribute("role"),
					attrs: attrs,
					path: path(el),
				});
				if (el.shadowRoot) scan(el.shadowRoot);
			} catch (e) {}
		}
	}
	scan(document);
	return out;
}`
