// Package session holds monitored-execution sessions and their audit trail.
package session

import (
	"time"

	"github.com/polzovatel/ui-self-healing-agent/internal/diagnosis"
)

// Status is a session lifecycle state.
type Status string

const (
	Monitoring Status = "monitoring"
	Executing  Status = "executing"
	Analyzing  Status = "analyzing"
	Completed  Status = "completed"
	Stopped    Status = "stopped"
	Error      Status = "error"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Completed || s == Stopped || s == Error
}

// Active reports whether the session loop is still running.
func (s Status) Active() bool {
	return s == Monitoring || s == Executing || s == Analyzing
}

var transitions = map[Status][]Status{
	Monitoring: {Executing, Stopped, Error},
	Executing:  {Analyzing, Completed, Stopped, Error},
	Analyzing:  {Executing, Stopped, Error},
}

// CanTransition reports whether s may move to next. Staying in the same
// non-terminal state is allowed.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Modification records one revision of the script. After is empty when no
// further attempt followed.
type Modification struct {
	Attempt   int                 `json:"attempt"         yaml:"attempt"`
	Before    string              `json:"before"          yaml:"before"`
	After     string              `json:"after,omitempty" yaml:"after,omitempty"`
	Diagnosis diagnosis.Diagnosis `json:"diagnosis"       yaml:"diagnosis"`
	At        time.Time           `json:"at"              yaml:"at"`
}

// Session is one bounded-retry monitored execution.
type Session struct {
	ID             string               `json:"id"                       yaml:"id"`
	Intent         string               `json:"intent,omitempty"         yaml:"intent,omitempty"`
	OriginalScript string               `json:"original_script"          yaml:"original_script"`
	CurrentScript  string               `json:"current_script"           yaml:"current_script"`
	Modifications  []Modification       `json:"modifications"            yaml:"modifications"`
	Status         Status               `json:"status"                   yaml:"status"`
	Attempts       int                  `json:"attempts"                 yaml:"attempts"`
	MaxAttempts    int                  `json:"max_attempts"             yaml:"max_attempts"`
	StartedAt      time.Time            `json:"started_at"               yaml:"started_at"`
	EndedAt        time.Time            `json:"ended_at,omitempty"       yaml:"ended_at,omitempty"`
	Succeeded      bool                 `json:"succeeded"                yaml:"succeeded"`
	LastDiagnosis  *diagnosis.Diagnosis `json:"last_diagnosis,omitempty" yaml:"last_diagnosis,omitempty"`
	Message        string               `json:"message,omitempty"        yaml:"message,omitempty"`
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	if s.Modifications != nil {
		mods := make([]Modification, len(s.Modifications))
		for i, m := range s.Modifications {
			m.Diagnosis = m.Diagnosis.Clone()
			mods[i] = m
		}
		s.Modifications = mods
	}
	if s.LastDiagnosis != nil {
		d := s.LastDiagnosis.Clone()
		s.LastDiagnosis = &d
	}
	return s
}

// Duration is the elapsed run time, up to now for active sessions.
func (s Session) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.EndedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Event is published on every status transition and on stop requests.
type Event struct {
	SessionID string    `json:"session_id"        yaml:"session_id"`
	Status    Status    `json:"status"            yaml:"status"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
	Attempt   int       `json:"attempt"           yaml:"attempt"`
	At        time.Time `json:"at"                yaml:"at"`
}
