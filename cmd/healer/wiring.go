package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/polzovatel/ui-self-healing-agent/internal/advisory"
	"github.com/polzovatel/ui-self-healing-agent/internal/agent"
	"github.com/polzovatel/ui-self-healing-agent/internal/browser"
	"github.com/polzovatel/ui-self-healing-agent/internal/diagnosis"
	"github.com/polzovatel/ui-self-healing-agent/internal/patch"
	"github.com/polzovatel/ui-self-healing-agent/internal/session"
)

// runtime bundles everything a live command needs. close releases the
// browser.
type runtime struct {
	orch     *agent.Orchestrator
	pool     *browser.Pool
	launcher *browser.Launcher
}

func (r *runtime) close(ctx context.Context) {
	if err := r.orch.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown did not finish")
	}
	r.pool.Close()
	if err := r.launcher.Close(); err != nil {
		log.Warn().Err(err).Msg("close browser")
	}
}

// newAdvisor returns nil when the advisory tier is disabled or has no
// credentials; the engines then run on rules alone.
func newAdvisor(ctx context.Context) advisory.Advisor {
	if !cfg.Advisory.Enabled {
		return nil
	}
	logger := log.With().Str("comp", "advisory").Logger()
	client, err := advisory.NewClient(ctx, advisory.Provider(cfg.Advisory.Provider), cfg.Advisory.Model, logger)
	if err != nil {
		log.Warn().Err(err).Msg("advisory tier disabled, using rules only")
		return nil
	}
	log.Info().Str("provider", client.Name()).Msg("advisory tier enabled")
	return advisory.NewAdvisor(client, logger)
}

func newRuntime(ctx context.Context, startURL, saveState string) (*runtime, error) {
	launcher, err := browser.NewLauncher(ctx, browser.LaunchOptions{
		Headless: cfg.Browser.Headless,
		Args:     cfg.Browser.Args,
	})
	if err != nil {
		return nil, err
	}
	if startURL == "" {
		startURL = cfg.Browser.StartURL
	}
	pool := browser.NewPool(func(ctx context.Context) (browser.Controller, error) {
		return launcher.NewController(ctx, cfg.Browser.StorageState)
	}, browser.PoolOptions{
		StartURL:  startURL,
		SaveState: saveState,
		Capture: browser.CaptureOptions{
			Limit:      cfg.Browser.ElementLimit,
			Screenshot: cfg.Browser.Screenshots,
		},
	}, log.Logger)

	var storeOpts []session.StoreOption
	storeOpts = append(storeOpts, session.WithLogger(log.Logger))
	if cfg.Healer.SessionStore != "" {
		storeOpts = append(storeOpts, session.WithPersistence(cfg.Healer.SessionStore))
	}
	store := session.NewStore(storeOpts...)
	if n, err := store.Load(); err != nil {
		log.Warn().Err(err).Msg("load session store")
	} else if n > 0 {
		log.Info().Int("sessions", n).Msg("restored finished sessions")
	}

	advisor := newAdvisor(ctx)
	orch := agent.NewOrchestrator(cfg.Healer.Orchestrator(), agent.Deps{
		Environment: pool,
		Diagnoser: diagnosis.New(advisor, diagnosis.Options{
			Timeout: cfg.Advisory.DiagnoseDeadline(),
			Logger:  log.Logger,
		}),
		Patcher: patch.New(advisor, patch.Options{
			Timeout:     cfg.Advisory.PatchDeadline(),
			SettleDelay: cfg.Browser.Settle(),
			Logger:      log.Logger,
		}),
		Store:  store,
		Logger: log.Logger,
	})
	return &runtime{orch: orch, pool: pool, launcher: launcher}, nil
}
