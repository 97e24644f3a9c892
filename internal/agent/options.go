package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultMaxAttempts    = 3
	MaxAttemptsLimit      = 20
	DefaultCaptureTimeout = 5 * time.Second
)

// ErrInvalidOptions rejects a session before it is created.
var ErrInvalidOptions = errors.New("invalid session options")

// Options bound one monitored session.
type Options struct {
	MaxAttempts int           `json:"max_attempts,omitempty"    yaml:"max_attempts,omitempty"`
	StepTimeout time.Duration `json:"step_timeout,omitempty"    yaml:"step_timeout,omitempty"`
	// SessionTimeout ends the session with status Error when exceeded.
	SessionTimeout time.Duration `json:"session_timeout,omitempty" yaml:"session_timeout,omitempty"`
}

// withDefaults fills zero fields from def, then from package defaults.
func (o Options) withDefaults(def Options) Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.StepTimeout == 0 {
		o.StepTimeout = def.StepTimeout
	}
	if o.SessionTimeout == 0 {
		o.SessionTimeout = def.SessionTimeout
	}
	return o
}

func (o Options) Validate() error {
	var problems []string
	if o.MaxAttempts < 1 || o.MaxAttempts > MaxAttemptsLimit {
		problems = append(problems, fmt.Sprintf("max_attempts must be between 1 and %d, got %d", MaxAttemptsLimit, o.MaxAttempts))
	}
	if o.StepTimeout < 0 {
		problems = append(problems, "step_timeout must not be negative")
	}
	if o.SessionTimeout < 0 {
		problems = append(problems, "session_timeout must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(problems, "; "))
	}
	return nil
}

// Config is the orchestrator-wide configuration.
type Config struct {
	// MaxConcurrent bounds running sessions; 0 means unbounded.
	MaxConcurrent  int
	CaptureTimeout time.Duration
	Defaults       Options
}
