package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrActive            = errors.New("session still active")
	ErrTerminal          = errors.New("session already terminal")
	ErrIllegalTransition = errors.New("illegal status transition")
)

type entry struct {
	current atomic.Pointer[Session]
	stop    atomic.Bool
	// serialises writers; readers only load current
	wmu sync.Mutex
}

// Store is the concurrent session table. Each session has a single writer
// (its orchestrator loop); readers get copies and never block it.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int

	persistPath string
	persistMu   sync.Mutex
	logger      zerolog.Logger
}

type StoreOption func(*Store)

// WithPersistence writes terminal sessions to path as JSON.
func WithPersistence(path string) StoreOption {
	return func(s *Store) { s.persistPath = path }
}

func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		subs:    make(map[int]chan Event),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("comp", "session-store").Logger()
	return s
}

// Create registers a new session in Monitoring state.
func (s *Store) Create(script, intent string, maxAttempts int) Session {
	sess := &Session{
		ID:             uuid.New().String(),
		Intent:         intent,
		OriginalScript: script,
		CurrentScript:  script,
		Status:         Monitoring,
		MaxAttempts:    maxAttempts,
		StartedAt:      time.Now(),
	}
	e := &entry{}
	e.current.Store(sess)

	s.mu.Lock()
	s.entries[sess.ID] = e
	s.mu.Unlock()

	s.publish(Event{SessionID: sess.ID, Status: Monitoring, Message: "session created", At: sess.StartedAt})
	return sess.Clone()
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (Session, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.current.Load().Clone(), nil
}

// List returns copies of every session, oldest first.
func (s *Store) List() []Session {
	return s.filter(func(Session) bool { return true })
}

// ListActive returns sessions whose loop is still running.
func (s *Store) ListActive() []Session {
	return s.filter(func(sess Session) bool { return sess.Status.Active() })
}

func (s *Store) filter(keep func(Session) bool) []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.entries))
	for _, e := range s.entries {
		if sess := e.current.Load(); keep(*sess) {
			out = append(out, sess.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RequestStop flags the session for cooperative cancellation. It is a no-op
// for terminal sessions.
func (s *Store) RequestStop(id string) error {
	e, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cur := e.current.Load()
	if cur.Status.Terminal() {
		return nil
	}
	if e.stop.CompareAndSwap(false, true) {
		s.publish(Event{SessionID: id, Status: cur.Status, Message: "stop requested", Attempt: cur.Attempts, At: time.Now()})
	}
	return nil
}

// StopRequested reports whether RequestStop was called for the session.
func (s *Store) StopRequested(id string) bool {
	e, ok := s.lookup(id)
	return ok && e.stop.Load()
}

// Update applies fn to a copy of the session and publishes the result.
// Terminal sessions cannot be updated, status changes must follow the state
// machine and recorded modifications can only be appended to.
func (s *Store) Update(id string, fn func(*Session)) (Session, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()

	old := e.current.Load()
	if old.Status.Terminal() {
		return Session{}, fmt.Errorf("%w: %s is %s", ErrTerminal, id, old.Status)
	}
	next := old.Clone()
	fn(&next)
	next.ID = old.ID

	if !old.Status.CanTransition(next.Status) {
		return Session{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, old.Status, next.Status)
	}
	if err := appendOnly(old.Modifications, next.Modifications); err != nil {
		return Session{}, err
	}
	if next.Status.Terminal() && next.EndedAt.IsZero() {
		next.EndedAt = time.Now()
	}
	e.current.Store(&next)

	if next.Status != old.Status || next.Message != old.Message {
		s.publish(Event{SessionID: id, Status: next.Status, Message: next.Message, Attempt: next.Attempts, At: time.Now()})
	}
	if next.Status.Terminal() {
		s.persist()
	}
	return next.Clone(), nil
}

func appendOnly(old, next []Modification) error {
	if len(next) < len(old) {
		return fmt.Errorf("%w: modifications removed", ErrIllegalTransition)
	}
	for i := range old {
		if old[i].Attempt != next[i].Attempt || old[i].Before != next[i].Before || old[i].After != next[i].After {
			return fmt.Errorf("%w: modification %d rewritten", ErrIllegalTransition, i+1)
		}
	}
	return nil
}

// Evict removes a terminal session.
func (s *Store) Evict(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.current.Load().Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrActive, id)
	}
	delete(s.entries, id)
	s.mu.Unlock()

	s.persist()
	return nil
}

// Subscribe returns a channel of session events and a function that
// unsubscribes and closes it. Events are dropped when the buffer is full.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Debug().Str("session", ev.SessionID).Str("status", string(ev.Status)).Msg("subscriber slow, event dropped")
		}
	}
}

// persist writes every terminal session to the persistence file.
func (s *Store) persist() {
	if s.persistPath == "" {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	terminal := s.filter(func(sess Session) bool { return sess.Status.Terminal() })
	data, err := json.MarshalIndent(terminal, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal sessions")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.persistPath), 0o755); err != nil {
		s.logger.Error().Err(err).Str("path", s.persistPath).Msg("create session dir")
		return
	}
	tmp := s.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error().Err(err).Str("path", tmp).Msg("write sessions")
		return
	}
	if err := os.Rename(tmp, s.persistPath); err != nil {
		s.logger.Error().Err(err).Str("path", s.persistPath).Msg("replace sessions file")
	}
}

// Load restores persisted terminal sessions. A missing file is not an error.
// Sessions already in the store are kept.
func (s *Store) Load() (int, error) {
	if s.persistPath == "" {
		return 0, nil
	}
	data, err := os.ReadFile(s.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return 0, fmt.Errorf("parse %s: %w", s.persistPath, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := 0
	for i := range sessions {
		sess := sessions[i]
		if sess.ID == "" || !sess.Status.Terminal() {
			continue
		}
		if _, exists := s.entries[sess.ID]; exists {
			continue
		}
		e := &entry{}
		e.current.Store(&sess)
		s.entries[sess.ID] = e
		loaded++
	}
	return loaded, nil
}
