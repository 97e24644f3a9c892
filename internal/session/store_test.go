package session

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ui-self-healing-agent/internal/diagnosis"
)

func TestStatus_StateMachine(t *testing.T) {
	assert.True(t, Monitoring.CanTransition(Executing))
	assert.True(t, Executing.CanTransition(Analyzing))
	assert.True(t, Analyzing.CanTransition(Executing))
	assert.True(t, Executing.CanTransition(Completed))
	assert.True(t, Analyzing.CanTransition(Error))
	assert.True(t, Executing.CanTransition(Executing))

	assert.False(t, Monitoring.CanTransition(Completed))
	assert.False(t, Analyzing.CanTransition(Completed))
	for _, term := range []Status{Completed, Stopped, Error} {
		assert.True(t, term.Terminal())
		assert.False(t, term.Active())
		for _, next := range []Status{Monitoring, Executing, Analyzing, Completed, Stopped, Error} {
			assert.False(t, term.CanTransition(next), "%s -> %s", term, next)
		}
	}
}

func TestStore_CreateGet(t *testing.T) {
	s := NewStore()
	sess := s.Create("click #a", "do a", 3)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, Monitoring, sess.Status)
	assert.Equal(t, "click #a", sess.CurrentScript)

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore()
	sess := s.Create("x", "", 3)
	_, err := s.Update(sess.ID, func(v *Session) {
		v.Status = Executing
		v.Modifications = append(v.Modifications, Modification{Attempt: 1, Before: "x", After: "y",
			Diagnosis: diagnosis.Diagnosis{Suggestions: []string{"s"}}})
	})
	require.NoError(t, err)

	got, _ := s.Get(sess.ID)
	got.Modifications[0].After = "tampered"
	got.Modifications[0].Diagnosis.Suggestions[0] = "tampered"

	again, _ := s.Get(sess.ID)
	assert.Equal(t, "y", again.Modifications[0].After)
	assert.Equal(t, "s", again.Modifications[0].Diagnosis.Suggestions[0])
}

func TestStore_UpdateRejectsIllegalChanges(t *testing.T) {
	s := NewStore()
	id := s.Create("x", "", 3).ID

	_, err := s.Update(id, func(v *Session) { v.Status = Completed })
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = s.Update(id, func(v *Session) {
		v.Status = Executing
		v.Modifications = []Modification{{Attempt: 1, Before: "x", After: "y"}}
	})
	require.NoError(t, err)

	_, err = s.Update(id, func(v *Session) { v.Modifications[0].After = "z" })
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = s.Update(id, func(v *Session) { v.Modifications = nil })
	assert.ErrorIs(t, err, ErrIllegalTransition)

	done, err := s.Update(id, func(v *Session) { v.Status = Completed; v.Succeeded = true })
	require.NoError(t, err)
	assert.False(t, done.EndedAt.IsZero())

	_, err = s.Update(id, func(v *Session) { v.Status = Executing })
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestStore_ListActiveAndEvict(t *testing.T) {
	s := NewStore()
	a := s.Create("a", "", 3).ID
	b := s.Create("b", "", 3).ID

	_, err := s.Update(b, func(v *Session) { v.Status = Stopped })
	require.NoError(t, err)

	active := s.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, a, active[0].ID)
	assert.Len(t, s.List(), 2)

	assert.ErrorIs(t, s.Evict(a), ErrActive)
	require.NoError(t, s.Evict(b))
	assert.ErrorIs(t, s.Evict(b), ErrNotFound)
	assert.Len(t, s.List(), 1)
}

func TestStore_RequestStop(t *testing.T) {
	s := NewStore()
	id := s.Create("a", "", 3).ID
	assert.False(t, s.StopRequested(id))

	require.NoError(t, s.RequestStop(id))
	require.NoError(t, s.RequestStop(id))
	assert.True(t, s.StopRequested(id))

	assert.ErrorIs(t, s.RequestStop("missing"), ErrNotFound)

	done := s.Create("b", "", 3).ID
	_, err := s.Update(done, func(v *Session) { v.Status = Error })
	require.NoError(t, err)
	require.NoError(t, s.RequestStop(done))
	assert.False(t, s.StopRequested(done))
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore()
	events, cancel := s.Subscribe(8)

	id := s.Create("a", "", 3).ID
	_, err := s.Update(id, func(v *Session) { v.Status = Executing; v.Attempts = 1 })
	require.NoError(t, err)
	_, err = s.Update(id, func(v *Session) { v.Attempts = 1 })
	require.NoError(t, err)
	_, err = s.Update(id, func(v *Session) { v.Status = Completed; v.Message = "done" })
	require.NoError(t, err)
	cancel()
	cancel()

	var got []Status
	for ev := range events {
		assert.Equal(t, id, ev.SessionID)
		got = append(got, ev.Status)
	}
	assert.Equal(t, []Status{Monitoring, Executing, Completed}, got)
}

func TestStore_SlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewStore()
	_, cancel := s.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		s.Create("a", "", 3)
	}
	assert.Len(t, s.List(), 10)
}

func TestStore_ConcurrentReadersAndWriter(t *testing.T) {
	s := NewStore()
	id := s.Create("a", "", 3).ID

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for i := 0; i < 200; i++ {
				sess, err := s.Get(id)
				if !assert.NoError(t, err) {
					return
				}
				assert.GreaterOrEqual(t, len(sess.Modifications), last)
				last = len(sess.Modifications)
			}
		}()
	}
	for i := 1; i <= 50; i++ {
		_, err := s.Update(id, func(v *Session) {
			v.Status = Executing
			v.Modifications = append(v.Modifications, Modification{Attempt: i, Before: "a"})
		})
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sessions.json")
	s := NewStore(WithPersistence(path))
	active := s.Create("a", "", 3).ID
	done := s.Create("b", "login", 3).ID
	_, err := s.Update(done, func(v *Session) {
		v.Status = Error
		v.Attempts = 1
		v.LastDiagnosis = &diagnosis.Diagnosis{Cause: "timeout", Provenance: diagnosis.Rule}
	})
	require.NoError(t, err)

	restored := NewStore(WithPersistence(path))
	n, err := restored.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restored.Get(done)
	require.NoError(t, err)
	assert.Equal(t, Error, got.Status)
	assert.Equal(t, "login", got.Intent)
	require.NotNil(t, got.LastDiagnosis)
	assert.Equal(t, "timeout", got.LastDiagnosis.Cause)

	_, err = restored.Get(active)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err = NewStore(WithPersistence(filepath.Join(t.TempDir(), "missing.json"))).Load()
	require.NoError(t, err)
	assert.Zero(t, n)
}
