package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/polzovatel/ui-self-healing-agent/internal/diagnosis"
	"github.com/polzovatel/ui-self-healing-agent/internal/patch"
	"github.com/polzovatel/ui-self-healing-agent/internal/rules"
	"github.com/polzovatel/ui-self-healing-agent/internal/script"
	"github.com/polzovatel/ui-self-healing-agent/internal/session"
	"github.com/polzovatel/ui-self-healing-agent/internal/snapshot"
)

// InterpreterFactory returns a fresh interpreter for one attempt. An
// interpreter that implements io.Closer is closed after the attempt.
type InterpreterFactory func(ctx context.Context) (script.Interpreter, error)

// Environment binds each session to the live interface it drives. Release
// is called once the session is terminal.
type Environment interface {
	Capture(ctx context.Context, sessionID string) (*snapshot.Snapshot, error)
	Interpreter(ctx context.Context, sessionID string) (script.Interpreter, error)
	Release(sessionID string)
}

// sharedEnv serves every session from the same capturer and factory.
type sharedEnv struct {
	capturer     snapshot.Capturer
	interpreters InterpreterFactory
}

func (e sharedEnv) Capture(ctx context.Context, _ string) (*snapshot.Snapshot, error) {
	if e.capturer == nil {
		return nil, snapshot.ErrCaptureUnavailable
	}
	return e.capturer.Capture(ctx)
}

func (e sharedEnv) Interpreter(ctx context.Context, _ string) (script.Interpreter, error) {
	if e.interpreters == nil {
		return nil, script.ErrInterpreterUnavailable
	}
	return e.interpreters(ctx)
}

func (sharedEnv) Release(string) {}

// Deps are the collaborators an Orchestrator drives. Environment takes
// precedence over Capturer and Interpreters.
type Deps struct {
	Environment  Environment
	Capturer     snapshot.Capturer
	Interpreters InterpreterFactory
	Diagnoser    *diagnosis.Engine
	Patcher      *patch.Generator
	Store        *session.Store
	Logger       zerolog.Logger
}

// Orchestrator runs monitored sessions: execute, and on failure diagnose,
// patch and retry up to the attempt bound.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	env    Environment
	sem    *semaphore.Weighted
	logger zerolog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]struct{}
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = DefaultCaptureTimeout
	}
	if deps.Store == nil {
		deps.Store = session.NewStore(session.WithLogger(deps.Logger))
	}
	if deps.Diagnoser == nil {
		deps.Diagnoser = diagnosis.New(nil, diagnosis.Options{Logger: deps.Logger})
	}
	if deps.Patcher == nil {
		deps.Patcher = patch.New(nil, patch.Options{Logger: deps.Logger})
	}
	env := deps.Environment
	if env == nil {
		env = sharedEnv{capturer: deps.Capturer, interpreters: deps.Interpreters}
	}
	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		env:     env,
		logger:  deps.Logger.With().Str("comp", "orchestrator").Logger(),
		running: make(map[string]struct{}),
	}
	if cfg.MaxConcurrent > 0 {
		o.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return o
}

// Store exposes the session table the orchestrator writes to.
func (o *Orchestrator) Store() *session.Store { return o.deps.Store }

// Start validates the request, creates the session and runs it in the
// background. Cancelling ctx stops the session.
func (o *Orchestrator) Start(ctx context.Context, src, intent string, opts Options) (string, error) {
	opts = opts.withDefaults(o.cfg.Defaults)
	if err := opts.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(src) == "" {
		return "", fmt.Errorf("%w: script is empty", ErrInvalidOptions)
	}
	if o.deps.Environment == nil && o.deps.Interpreters == nil {
		return "", fmt.Errorf("%w: no interpreter configured", script.ErrInterpreterUnavailable)
	}

	sess := o.deps.Store.Create(src, intent, opts.MaxAttempts)
	o.mu.Lock()
	o.running[sess.ID] = struct{}{}
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, sess.ID)
			o.mu.Unlock()
		}()
		o.run(ctx, sess.ID, opts)
	}()

	o.logger.Info().Str("session", sess.ID).Int("max_attempts", opts.MaxAttempts).Msg("session started")
	return sess.ID, nil
}

// Stop requests cooperative cancellation. It is idempotent.
func (o *Orchestrator) Stop(id string) error {
	return o.deps.Store.RequestStop(id)
}

func (o *Orchestrator) Get(id string) (session.Session, error) {
	return o.deps.Store.Get(id)
}

func (o *Orchestrator) ListActive() []session.Session {
	return o.deps.Store.ListActive()
}

func (o *Orchestrator) Subscribe(buffer int) (<-chan session.Event, func()) {
	return o.deps.Store.Subscribe(buffer)
}

// Wait blocks until the session is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (session.Session, error) {
	events, cancel := o.deps.Store.Subscribe(32)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		sess, err := o.deps.Store.Get(id)
		if err != nil {
			return session.Session{}, err
		}
		if sess.Status.Terminal() {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return sess, ctx.Err()
		case <-events:
		case <-ticker.C:
		}
	}
}

// Shutdown asks every running session to stop and waits for the loops to
// exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		_ = o.deps.Store.RequestStop(id)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseGrace bounds how long a finished session waits for a timed-out
// step before its environment is released anyway.
const releaseGrace = 10 * time.Second

func (o *Orchestrator) run(ctx context.Context, id string, opts Options) {
	log := o.logger.With().Str("session", id).Logger()
	page := &pageSteps{}
	defer func() {
		graceCtx, cancel := context.WithTimeout(context.Background(), releaseGrace)
		defer cancel()
		if err := page.settle(graceCtx); err != nil {
			log.Warn().Msg("releasing environment while a timed-out step is still running")
		}
		o.env.Release(id)
	}()
	if opts.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.SessionTimeout)
		defer cancel()
	}

	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.finishCancelled(ctx, id, log)
			return
		}
		defer o.sem.Release(1)
	}

	for attempt := 1; ; attempt++ {
		if o.deps.Store.StopRequested(id) {
			o.finish(id, session.Stopped, "stopped by request", log)
			return
		}
		if ctx.Err() != nil {
			o.finishCancelled(ctx, id, log)
			return
		}

		sess, err := o.update(id, func(s *session.Session) {
			s.Status = session.Executing
			s.Attempts = attempt
			s.Message = fmt.Sprintf("attempt %d/%d", attempt, opts.MaxAttempts)
		})
		if err != nil {
			log.Error().Err(err).Msg("session update failed")
			return
		}
		src := sess.CurrentScript

		before := o.capture(ctx, id, page, log)
		outcome, err := o.execute(ctx, id, src, opts.StepTimeout, page)
		if err == nil && outcome.Success {
			after := o.capture(ctx, id, page, log)
			log.Info().Int("attempt", attempt).Dur("took", outcome.Duration).Int("elements", after.Len()).Msg("script succeeded")
			o.complete(id, attempt, log)
			return
		}
		if ctx.Err() != nil {
			o.finishCancelled(ctx, id, log)
			return
		}

		errMsg := failureMessage(outcome, err)
		log.Warn().Int("attempt", attempt).Str("error", errMsg).Msg("attempt failed")

		after := o.capture(ctx, id, page, log)
		if _, err := o.update(id, func(s *session.Session) {
			s.Status = session.Analyzing
			s.Message = fmt.Sprintf("attempt %d failed: %s", attempt, errMsg)
		}); err != nil {
			log.Error().Err(err).Msg("session update failed")
			return
		}

		var changes []snapshot.Change
		if before != nil && after != nil {
			changes = snapshot.Diff(before, after)
		}
		current := after
		if current == nil {
			current = before
		}

		diag := o.diagnose(ctx, diagnosis.Input{
			Script:       src,
			ErrorMessage: errMsg,
			Before:       before,
			After:        after,
			Changes:      changes,
			Intent:       sess.Intent,
			Attempt:      attempt,
		}, opts.StepTimeout, log)

		final := attempt >= opts.MaxAttempts
		var next string
		if !final {
			next = o.patch(ctx, patch.Input{
				Script:    src,
				Diagnosis: diag,
				Current:   current,
				Changes:   changes,
				Attempt:   attempt,
				Intent:    sess.Intent,
			}, opts.StepTimeout, log)
		}

		// A stop or a session deadline seen here means the candidate is
		// never executed, so the modification gets no After.
		var halt session.Status
		var haltMsg string
		if !final {
			switch {
			case o.deps.Store.StopRequested(id):
				halt, haltMsg = session.Stopped, "stopped by request"
			case ctx.Err() != nil:
				halt, haltMsg = cancelStatus(ctx)
			}
		}

		mod := session.Modification{
			Attempt:   attempt,
			Before:    src,
			Diagnosis: diag,
			At:        time.Now(),
		}
		if halt == "" {
			mod.After = next
		}
		if _, err := o.update(id, func(s *session.Session) {
			s.Modifications = append(s.Modifications, mod)
			d := diag.Clone()
			s.LastDiagnosis = &d
			if final {
				s.Status = session.Error
				s.Message = fmt.Sprintf("max attempts exhausted: %s", diag)
				return
			}
			s.CurrentScript = next
			if halt != "" {
				s.Status = halt
				s.Message = haltMsg
			}
		}); err != nil {
			log.Error().Err(err).Msg("session update failed")
			return
		}
		log.Info().
			Int("attempt", attempt).
			Str("cause", diag.Cause).
			Str("provenance", string(diag.Provenance)).
			Float64("confidence", diag.Confidence).
			Bool("final", final).
			Msg("modification recorded")
		if halt != "" {
			log.Info().Str("status", string(halt)).Str("message", haltMsg).Msg("session finished")
			return
		}
		if final {
			return
		}
	}
}

func (o *Orchestrator) update(id string, fn func(*session.Session)) (session.Session, error) {
	return o.deps.Store.Update(id, fn)
}

func (o *Orchestrator) complete(id string, attempt int, log zerolog.Logger) {
	_, err := o.update(id, func(s *session.Session) {
		s.Status = session.Completed
		s.Succeeded = true
		s.Message = fmt.Sprintf("completed on attempt %d", attempt)
	})
	if err != nil {
		log.Error().Err(err).Msg("session update failed")
	}
}

func (o *Orchestrator) finish(id string, status session.Status, msg string, log zerolog.Logger) {
	if _, err := o.update(id, func(s *session.Session) {
		s.Status = status
		s.Message = msg
	}); err != nil {
		log.Error().Err(err).Msg("session update failed")
		return
	}
	log.Info().Str("status", string(status)).Str("message", msg).Msg("session finished")
}

// finishCancelled ends a session whose context is done: a deadline is a
// session timeout, anything else a stop.
func (o *Orchestrator) finishCancelled(ctx context.Context, id string, log zerolog.Logger) {
	status, msg := cancelStatus(ctx)
	o.finish(id, status, msg, log)
}

func cancelStatus(ctx context.Context) (session.Status, string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return session.Error, "session timeout"
	}
	return session.Stopped, "cancelled"
}

// capture takes a best-effort snapshot; failures are logged and yield nil.
// A failed or panicking capture never costs an attempt of its own: the
// attempt is decided by the script run alone.
func (o *Orchestrator) capture(ctx context.Context, id string, page *pageSteps, log zerolog.Logger) *snapshot.Snapshot {
	if ctx.Err() != nil || page.settle(ctx) != nil {
		return nil
	}
	snap, finished, err := spawn(ctx, o.cfg.CaptureTimeout, "capture", func(ctx context.Context) (*snapshot.Snapshot, error) {
		return o.env.Capture(ctx, id)
	})
	o.hold(page, finished)
	if err != nil {
		log.Warn().Err(err).Msg("capture failed")
		return nil
	}
	return snap
}

// execute runs src once. It first waits out any step still driving the
// session's interface, so at most one script runs per session.
func (o *Orchestrator) execute(ctx context.Context, id, src string, timeout time.Duration, page *pageSteps) (script.Outcome, error) {
	if err := page.settle(ctx); err != nil {
		return script.Outcome{}, fmt.Errorf("execute: %w", err)
	}
	outcome, finished, err := spawn(ctx, timeout, "execute", func(ctx context.Context) (script.Outcome, error) {
		interp, err := o.env.Interpreter(ctx, id)
		if err != nil {
			if errors.Is(err, script.ErrInterpreterUnavailable) {
				return script.Outcome{}, err
			}
			return script.Outcome{}, fmt.Errorf("%w: %v", script.ErrInterpreterUnavailable, err)
		}
		if c, ok := interp.(io.Closer); ok {
			defer c.Close()
		}
		return interp.Execute(ctx, src)
	})
	o.hold(page, finished)
	return outcome, err
}

// hold makes a step that is still running after its guard returned block
// the session's next interface step and Shutdown until it returns.
func (o *Orchestrator) hold(page *pageSteps, finished <-chan struct{}) {
	page.pending = finished
	if !page.busy() {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		<-finished
	}()
}

func (o *Orchestrator) diagnose(ctx context.Context, in diagnosis.Input, timeout time.Duration, log zerolog.Logger) diagnosis.Diagnosis {
	d, err := guard(ctx, timeout, "diagnose", func(ctx context.Context) (diagnosis.Diagnosis, error) {
		return o.deps.Diagnoser.Diagnose(ctx, in), nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("diagnosis failed, using rules")
		return diagnosis.FromRules(rules.Diagnose(in.ErrorMessage, in.Changes))
	}
	return d
}

func (o *Orchestrator) patch(ctx context.Context, in patch.Input, timeout time.Duration, log zerolog.Logger) string {
	res, err := guard(ctx, timeout, "patch", func(ctx context.Context) (patch.Result, error) {
		return o.deps.Patcher.Generate(ctx, in), nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("patch generation failed, using rules")
		return rules.Patch(in.Script, in.Current, rules.PatchOptions{Changes: in.Changes})
	}
	return res.Script
}

func failureMessage(outcome script.Outcome, err error) string {
	if err != nil {
		return err.Error()
	}
	if msg := strings.TrimSpace(outcome.ErrorMessage); msg != "" {
		return msg
	}
	return "script failed without an error message"
}
