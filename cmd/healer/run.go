package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polzovatel/ui-self-healing-agent/internal/agent"
	"github.com/polzovatel/ui-self-healing-agent/internal/session"
)

var (
	runIntent      string
	runMaxAttempts int
	runURL         string
	runSaveState   string
)

var runCmd = &cobra.Command{
	Use:   "run <script-file>...",
	Short: "Run scripts as monitored sessions and print the outcome",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScripts,
}

func init() {
	runCmd.Flags().StringVar(&runIntent, "intent", "", "What the scripts are meant to achieve")
	runCmd.Flags().IntVar(&runMaxAttempts, "max-attempts", 0, "Attempt bound per session (default from config)")
	runCmd.Flags().StringVar(&runURL, "url", "", "Open this URL before each session starts")
	runCmd.Flags().StringVar(&runSaveState, "save-state", "", "Save browser storage state here when a session ends")
}

func runScripts(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scripts := make([]string, len(args))
	for i, path := range args {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read script: %w", err)
		}
		scripts[i] = string(b)
	}

	rt, err := newRuntime(ctx, runURL, runSaveState)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rt.close(shutdownCtx)
	}()

	events, unsubscribe := rt.orch.Subscribe(64)
	defer unsubscribe()
	go logEvents(events)

	results := make([]session.Session, len(scripts))
	var g errgroup.Group
	for i, src := range scripts {
		g.Go(func() error {
			id, err := rt.orch.Start(ctx, src, runIntent, agent.Options{MaxAttempts: runMaxAttempts})
			if err != nil {
				return fmt.Errorf("%s: %w", args[i], err)
			}
			sess, err := rt.orch.Wait(ctx, id)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", args[i], err)
			}
			if errors.Is(err, context.Canceled) {
				// the session is being stopped; report its final state
				waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				sess, _ = rt.orch.Wait(waitCtx, id)
				cancel()
			}
			results[i] = sess
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := printResult(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	failed := 0
	for _, s := range results {
		if !s.Succeeded {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions did not complete", failed, len(results))
	}
	return nil
}

func logEvents(events <-chan session.Event) {
	for ev := range events {
		log.Info().
			Str("session", ev.SessionID).
			Str("status", string(ev.Status)).
			Int("attempt", ev.Attempt).
			Msg(ev.Message)
	}
}
