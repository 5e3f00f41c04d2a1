// Package memory holds in-process adapters for the session ports. They keep
// the same atomicity guarantees as the Postgres adapters and back the tests
// and single-node development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"semaphore/qrsession/internal/session"
)

type activeKey struct {
	sectionID string
	courseID  string
	date      string
}

type Store struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	active   map[activeKey]string
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*session.Session),
		active:   make(map[activeKey]string),
	}
}

func keyOf(s *session.Session) activeKey {
	return activeKey{sectionID: s.SectionID, courseID: s.CourseID, date: s.Date}
}

func (st *Store) Create(_ context.Context, s session.Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	key := keyOf(&s)
	if _, ok := st.active[key]; ok && s.IsActive {
		return session.ErrActiveSessionExists
	}
	stored := clone(s)
	st.sessions[s.ID] = &stored
	if s.IsActive {
		st.active[key] = s.ID
	}
	return nil
}

func (st *Store) Get(_ context.Context, id string) (session.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNoSession
	}
	return clone(*s), nil
}

func (st *Store) FindActive(_ context.Context, sectionID, courseID, date string) (session.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	id, ok := st.active[activeKey{sectionID: sectionID, courseID: courseID, date: date}]
	if !ok {
		return session.Session{}, session.ErrNoSession
	}
	return clone(*st.sessions[id]), nil
}

func (st *Store) AppendAttendee(_ context.Context, sessionID string, a session.Attendee) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return session.ErrNoSession
	}
	if s.HasAttended(a.StudentID) {
		return session.ErrAlreadyAttended
	}
	if !s.IsActive {
		return session.ErrSessionInactive
	}
	s.Attendees = append(s.Attendees, a)
	return nil
}

func (st *Store) Deactivate(_ context.Context, id string, at time.Time) (session.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNoSession
	}
	if !s.IsActive {
		return session.Session{}, session.ErrSessionInactive
	}
	st.deactivate(s, at)
	return clone(*s), nil
}

func (st *Store) DeactivateExpired(_ context.Context, now time.Time) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var ids []string
	for _, id := range st.active {
		s := st.sessions[id]
		if s.ExpiresAt.Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		st.deactivate(st.sessions[id], now)
	}
	return ids, nil
}

func (st *Store) deactivate(s *session.Session, at time.Time) {
	s.IsActive = false
	closed := at
	s.ClosedAt = &closed
	delete(st.active, keyOf(s))
}

func clone(s session.Session) session.Session {
	out := s
	out.Attendees = append([]session.Attendee(nil), s.Attendees...)
	if s.Location != nil {
		loc := *s.Location
		out.Location = &loc
	}
	if s.ClosedAt != nil {
		closed := *s.ClosedAt
		out.ClosedAt = &closed
	}
	return out
}
