package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ui-self-healing-agent/internal/script"
	"github.com/polzovatel/ui-self-healing-agent/internal/snapshot"
)

// ControllerFactory opens a fresh browser context.
type ControllerFactory func(ctx context.Context) (Controller, error)

// PoolOptions configure per-session controllers.
type PoolOptions struct {
	// StartURL is opened when a session's controller is created.
	StartURL string
	// SaveState receives the storage state of each session's context just
	// before it is closed.
	SaveState string
	Capture   CaptureOptions
}

// Pool gives every session its own controller, created on first use and
// closed on Release. Capture and execution of one session always hit the
// same page.
type Pool struct {
	open   ControllerFactory
	opts   PoolOptions
	logger zerolog.Logger

	mu    sync.Mutex
	ctrls map[string]Controller
}

func NewPool(open ControllerFactory, opts PoolOptions, logger zerolog.Logger) *Pool {
	return &Pool{
		open:   open,
		opts:   opts,
		logger: logger.With().Str("comp", "browser_pool").Logger(),
		ctrls:  make(map[string]Controller),
	}
}

func (p *Pool) controller(ctx context.Context, id string) (Controller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.ctrls[id]; ok {
		return c, nil
	}
	c, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	if p.opts.StartURL != "" {
		if err := c.Navigate(ctx, p.opts.StartURL); err != nil {
			_ = c.Close(context.Background())
			return nil, fmt.Errorf("open %s: %w", p.opts.StartURL, err)
		}
	}
	p.ctrls[id] = c
	p.logger.Debug().Str("session", id).Msg("controller opened")
	return c, nil
}

func (p *Pool) Capture(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	c, err := p.controller(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", snapshot.ErrCaptureUnavailable, err)
	}
	return NewCapturer(c, p.opts.Capture).Capture(ctx)
}

func (p *Pool) Interpreter(ctx context.Context, id string) (script.Interpreter, error) {
	c, err := p.controller(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", script.ErrInterpreterUnavailable, err)
	}
	return NewInterpreter(c, p.logger), nil
}

// Release closes the session's controller. Unknown ids are ignored.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	c, ok := p.ctrls[id]
	delete(p.ctrls, id)
	p.mu.Unlock()
	if !ok {
		return
	}
	if p.opts.SaveState != "" {
		if err := c.SaveState(context.Background(), p.opts.SaveState); err != nil {
			p.logger.Warn().Err(err).Str("session", id).Msg("save storage state")
		}
	}
	if err := c.Close(context.Background()); err != nil {
		p.logger.Warn().Err(err).Str("session", id).Msg("close controller")
	}
}

// Close releases every open controller.
func (p *Pool) Close() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.ctrls))
	for id := range p.ctrls {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Release(id)
	}
}

// Len reports open controllers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ctrls)
}
