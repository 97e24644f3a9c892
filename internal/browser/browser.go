package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	defaultNavTimeout   = 30 * time.Second
	defaultActionTime   = 10 * time.Second
	headlessEnv         = "AGENT_HEADLESS"
	defaultScrollAmount = 600
)

var (
	// ErrElementNotFound is returned when a selector does not resolve to a
	// visible element within the action timeout.
	ErrElementNotFound = errors.New("element not found")
	// ErrPageClosed means the page or its context is gone; no further
	// command on this controller can succeed.
	ErrPageClosed = errors.New("page closed")
)

// Controller exposes the browser actions the script dialect needs.
type Controller interface {
	Close(ctx context.Context) error
	URL() string
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	ClickByCoordinates(ctx context.Context, x, y float64) error
	Fill(ctx context.Context, selector, text string) error
	Press(ctx context.Context, key string) error
	Scroll(ctx context.Context, direction string, distance int) (int, error)
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Exists(ctx context.Context, selector string) (bool, error)
	WaitForStableDOM(ctx context.Context, timeout time.Duration) error
	Screenshot(ctx context.Context) ([]byte, error)
	Elements(ctx context.Context, limit int) ([]RawElement, error)
	SaveState(ctx context.Context, path string) error
}

// LaunchOptions configure the shared chromium instance.
type LaunchOptions struct {
	// Headless is overridden by AGENT_HEADLESS when that is set.
	Headless bool
	Args     []string
}

// Launcher owns playwright lifecycle.
type Launcher struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	headless bool
}

func NewLauncher(ctx context.Context, opts LaunchOptions) (*Launcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	headless := parseBoolEnv(headlessEnv, opts.Headless)
	args := append([]string{"--disable-dev-shm-usage", "--no-sandbox"}, opts.Args...)
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
		Args:     args,
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: browser, headless: headless}, nil
}

// NewController opens an isolated browser context. Cookies are restored
// from storagePath when that file exists.
func (l *Launcher) NewController(ctx context.Context, storagePath string) (Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if strings.TrimSpace(storagePath) != "" {
		if _, err := os.Stat(storagePath); err == nil {
			opts.StorageStatePath = playwright.String(storagePath)
		}
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
	return &controller{context: bctx, page: page}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

type controller struct {
	context playwright.BrowserContext
	page    playwright.Page
}

func (c *controller) Close(ctx context.Context) error {
	_ = ctx
	if c.page != nil {
		_ = c.page.Close()
	}
	if c.context != nil {
		return c.context.Close()
	}
	return nil
}

func (c *controller) URL() string {
	return c.page.URL()
}

func (c *controller) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	})
	return wrap(err)
}

func (c *controller) Click(ctx context.Context, selector string) error {
	first, err := c.visible(ctx, selector, actionTimeout(ctx))
	if err != nil {
		return err
	}
	_ = first.ScrollIntoViewIfNeeded()
	return wrap(first.Click())
}

func (c *controller) ClickByCoordinates(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Mouse().Click(x, y))
}

func (c *controller) Fill(ctx context.Context, selector, text string) error {
	first, err := c.visible(ctx, selector, actionTimeout(ctx))
	if err != nil {
		return err
	}
	return wrap(first.Fill(text))
}

func (c *controller) Press(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Keyboard().Press(key))
}

// Scroll moves the nearest scrollable container, falling back to the window.
func (c *controller) Scroll(ctx context.Context, direction string, distance int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if distance <= 0 {
		distance = defaultScrollAmount
		if vh, err := c.page.Evaluate(`() => window.innerHeight || document.documentElement.clientHeight || 0`); err == nil {
			if n, ok := vh.(float64); ok && n > 0 {
				distance = int(n)
			}
		}
	}
	if _, err := c.page.Evaluate(scrollScript, direction, distance); err != nil {
		return 0, wrap(err)
	}
	return distance, nil
}

func (c *controller) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	_, err := c.visible(ctx, selector, timeout)
	return err
}

func (c *controller) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	visible, err := c.page.Locator(selector).First().IsVisible()
	if err != nil {
		return false, wrap(err)
	}
	return visible, nil
}

// WaitForStableDOM waits for network idle and then for 300ms without DOM
// mutations.
func (c *controller) WaitForStableDOM(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if err := c.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}); err != nil {
		_ = c.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateDomcontentloaded,
			Timeout: playwright.Float(1000),
		})
	}
	_, err := c.page.Evaluate(quietScript)
	return wrap(err)
}

func (c *controller) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := c.page.Screenshot(playwright.PageScreenshotOptions{
		Type: playwright.ScreenshotTypePng,
	})
	return data, wrap(err)
}

// Elements runs the collector in the main document and every reachable
// frame. Frame failures are skipped.
func (c *controller) Elements(ctx context.Context, limit int) ([]RawElement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := evalElements(c.page.Evaluate, limit)
	if err != nil {
		return nil, wrap(err)
	}
	main := c.page.MainFrame()
	for _, frame := range c.page.Frames() {
		if frame == main || len(out) >= limit {
			continue
		}
		more, err := evalElements(frame.Evaluate, limit-len(out))
		if err != nil {
			continue
		}
		out = append(out, more...)
	}
	return out, nil
}

func (c *controller) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := c.context.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// visible waits for the first match of selector to become visible.
func (c *controller) visible(ctx context.Context, selector string, timeout time.Duration) (playwright.Locator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultActionTime
	}
	first := c.page.Locator(selector).First()
	err := first.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
		}
		return nil, wrap(err)
	}
	return first, nil
}

// actionTimeout shrinks the default action timeout to the remaining ctx
// budget.
func actionTimeout(ctx context.Context) time.Duration {
	timeout := defaultActionTime
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	return timeout
}

func evalElements(eval func(string, ...interface{}) (interface{}, error), limit int) ([]RawElement, error) {
	val, err := eval(collectScript, limit)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var out []RawElement
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTargetClosed) {
		return fmt.Errorf("%w: %v", ErrPageClosed, err)
	}
	return fmt.Errorf("playwright: %w", err)
}

func parseBoolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

const scrollScript = `(dir, dist) => {
	function scrollable(el) {
		if (!el) return false;
		const s = window.getComputedStyle(el);
		return (s.overflowY === 'auto' || s.overflowY === 'scroll') && el.scrollHeight > el.clientHeight;
	}
	let target = null;
	for (let p = document.activeElement; p; p = p.parentElement) {
		if (scrollable(p)) { target = p; break; }
	}
	if (!target) {
		for (const n of document.querySelectorAll('main,[role="main"],section,div')) {
			if (scrollable(n)) { target = n; break; }
		}
	}
	const d = String(dir || 'down').toLowerCase();
	const move = (d === 'up' || d === 'left') ? -dist : dist;
	const horizontal = d === 'left' || d === 'right';
	const opts = horizontal ? {left: move, top: 0} : {top: move, left: 0};
	if (target) { target.scrollBy(opts); return true; }
	window.scrollBy(opts);
	return false;
}`

const quietScript = `() => new Promise((resolve) => {
	let t;
	const obs = new MutationObserver(() => {
		clearTimeout(t);
		t = setTimeout(() => { obs.disconnect(); resolve(); }, 300);
	});
	obs.observe(document.body, {childList: true, subtree: true, attributes: true});
	t = setTimeout(() => { obs.disconnect(); resolve(); }, 300);
})`
