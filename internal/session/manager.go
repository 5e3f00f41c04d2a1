package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"semaphore/qrsession/internal/geo"
	"semaphore/qrsession/internal/metrics"
	"semaphore/qrsession/internal/payload"
)

type OpenRequest struct {
	SectionID       string
	CourseID        string
	DurationMinutes int
	Location        *geo.Point
	AllowedRadius   float64
	AntiCheat       bool
}

// Manager owns the session lifecycle: open, lookup, close and expiry.
type Manager struct {
	store   Store
	roster  Roster
	codec   Codec
	records RecordSink
	metrics *metrics.Metrics
	log     logrus.FieldLogger
	opts    Options
}

func NewManager(deps Deps, opts Options) *Manager {
	return &Manager{
		store:   deps.Store,
		roster:  deps.Roster,
		codec:   deps.Codec,
		records: deps.Records,
		metrics: deps.Metrics,
		log:     deps.logger(),
		opts:    opts.withDefaults(),
	}
}

// Open starts a session for the course. Authorization of actor is the
// caller's job; Open only records who created it.
func (m *Manager) Open(ctx context.Context, actor Actor, req OpenRequest) (Session, error) {
	sectionID := strings.TrimSpace(req.SectionID)
	courseID := strings.TrimSpace(req.CourseID)
	if sectionID == "" || courseID == "" {
		return Session{}, newError(KindBadRequest, "missing_fields", "sectionId and courseId are required")
	}
	if req.DurationMinutes < 0 {
		return Session{}, newError(KindBadRequest, "invalid_duration", "duration must not be negative")
	}
	if req.AllowedRadius < 0 || math.IsNaN(req.AllowedRadius) {
		return Session{}, newError(KindBadRequest, "invalid_radius", "allowed radius must not be negative")
	}
	if req.Location != nil {
		if err := req.Location.Validate(); err != nil {
			return Session{}, newError(KindBadRequest, "invalid_location", err.Error())
		}
	}

	if err := m.checkCourse(ctx, sectionID, courseID); err != nil {
		return Session{}, err
	}

	now := m.opts.Now().UTC()
	date := m.opts.day(now)

	// A session left active past its expiry would otherwise hold the key.
	if stale, err := m.store.FindActive(ctx, sectionID, courseID, date); err == nil {
		if !stale.Expired(now) {
			return Session{}, activeExists(stale)
		}
		if _, err := m.expire(ctx, stale.ID, now); err != nil {
			return Session{}, err
		}
	} else if !errors.Is(err, ErrNoSession) {
		return Session{}, internalError("active session lookup failed", err)
	}

	duration := m.opts.clampDuration(req.DurationMinutes)
	end := now.Add(duration)
	s := Session{
		ID:                 m.opts.NewID(),
		SectionID:          sectionID,
		CourseID:           courseID,
		Date:               date,
		StartTime:          now,
		EndTime:            end,
		MaxDurationMinutes: int(duration / time.Minute),
		ExpiresAt:          end,
		AllowedRadius:      m.opts.clampRadius(req.AllowedRadius),
		AntiCheatEnabled:   req.AntiCheat,
		IsActive:           true,
		CreatedBy:          actor.ID,
		CreatedAt:          now,
	}
	if req.Location != nil {
		loc := *req.Location
		s.Location = &loc
	}

	encoded, err := m.codec.Encode(payload.Descriptor{
		SessionID: s.ID,
		SectionID: s.SectionID,
		CourseID:  s.CourseID,
		IssuedAt:  s.StartTime,
		ExpiresAt: s.ExpiresAt,
	})
	if err != nil {
		return Session{}, internalError("payload encoding failed", err)
	}
	s.QRPayload = encoded

	if err := m.store.Create(ctx, s); err != nil {
		if errors.Is(err, ErrActiveSessionExists) {
			return Session{}, newError(KindConflict, "session_exists", "an active session already exists for this course today")
		}
		return Session{}, internalError("session creation failed", err)
	}

	m.metrics.SessionOpened()
	m.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"section_id": s.SectionID,
		"course_id":  s.CourseID,
		"created_by": s.CreatedBy,
		"expires_at": s.ExpiresAt,
	}).Info("attendance session opened")
	return s, nil
}

func (m *Manager) checkCourse(ctx context.Context, sectionID, courseID string) error {
	ok, err := m.roster.SectionExists(ctx, sectionID)
	if err != nil {
		return internalError("section lookup failed", err)
	}
	if !ok {
		return newError(KindNotFound, "section_not_found", "section not found")
	}
	course, err := m.roster.LookupCourse(ctx, courseID)
	if errors.Is(err, ErrUnknownCourse) {
		return newError(KindNotFound, "course_not_found", "course not found")
	}
	if err != nil {
		return internalError("course lookup failed", err)
	}
	if course.SectionID != sectionID {
		return newError(KindBadRequest, "course_not_in_section", "course does not belong to this section")
	}
	return nil
}

func activeExists(s Session) *Error {
	return newError(KindConflict, "session_exists",
		fmt.Sprintf("an active session already exists for this course today (expires %s)", s.ExpiresAt.UTC().Format(time.RFC3339)))
}

// Get returns a session by id, active or not.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	s, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNoSession) {
		return Session{}, newError(KindNotFound, "session_not_found", "session not found")
	}
	if err != nil {
		return Session{}, internalError("session lookup failed", err)
	}
	return s, nil
}

// Active returns today's active session for the course. An active session past
// its expiry is closed on the spot and reported as not found.
func (m *Manager) Active(ctx context.Context, sectionID, courseID string) (Session, error) {
	now := m.opts.Now().UTC()
	s, err := m.store.FindActive(ctx, sectionID, courseID, m.opts.day(now))
	if errors.Is(err, ErrNoSession) {
		return Session{}, newError(KindNotFound, "no_active_session", "no active session for this course")
	}
	if err != nil {
		return Session{}, internalError("active session lookup failed", err)
	}
	if s.Expired(now) {
		if _, err := m.expire(ctx, s.ID, now); err != nil {
			return Session{}, err
		}
		return Session{}, newError(KindNotFound, "no_active_session", "no active session for this course")
	}
	return s, nil
}

// Close deactivates a session. When generateRecord is set the course roster is
// rolled up into entries, which are also published to the record sink. A
// session that already ended, by expiry or an earlier close, can still be
// rolled up; without generateRecord closing it again is a conflict.
func (m *Manager) Close(ctx context.Context, actor Actor, id string, generateRecord bool) (Session, []Entry, error) {
	current, err := m.Get(ctx, id)
	if err != nil {
		return Session{}, nil, err
	}
	if current.CreatedBy != actor.ID && !actor.IsAdmin() {
		return Session{}, nil, newError(KindForbidden, "forbidden", "only the session creator or an admin can close it")
	}
	if !current.IsActive {
		return m.regenerate(ctx, current, generateRecord)
	}

	now := m.opts.Now().UTC()
	closed, err := m.store.Deactivate(ctx, id, now)
	switch {
	case errors.Is(err, ErrNoSession):
		return Session{}, nil, newError(KindNotFound, "session_not_found", "session not found")
	case errors.Is(err, ErrSessionInactive):
		// Expired or closed between the lookup and the update.
		current, err = m.Get(ctx, id)
		if err != nil {
			return Session{}, nil, err
		}
		return m.regenerate(ctx, current, generateRecord)
	case err != nil:
		return Session{}, nil, internalError("session close failed", err)
	}
	m.metrics.SessionsClosed("closed", 1)
	m.log.WithFields(logrus.Fields{
		"session_id": closed.ID,
		"closed_by":  actor.ID,
		"attended":   len(closed.Attendees),
	}).Info("attendance session closed")

	if !generateRecord {
		return closed, nil, nil
	}
	entries, err := m.rollup(ctx, closed)
	if err != nil {
		return closed, nil, err
	}
	m.publish(ctx, closed, entries, now)
	return closed, entries, nil
}

// regenerate serves Close for a session that is no longer active. Its
// attendee set is final, so the record is the same every time it is asked for.
func (m *Manager) regenerate(ctx context.Context, s Session, generateRecord bool) (Session, []Entry, error) {
	if !generateRecord {
		return Session{}, nil, newError(KindConflict, "session_already_closed", "session is already closed")
	}
	entries, err := m.rollup(ctx, s)
	if err != nil {
		return s, nil, err
	}
	m.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"attended":   len(s.Attendees),
	}).Info("attendance record generated for ended session")
	m.publish(ctx, s, entries, m.opts.Now().UTC())
	return s, entries, nil
}

func (m *Manager) rollup(ctx context.Context, s Session) ([]Entry, error) {
	roster, err := m.roster.CourseRoster(ctx, s.SectionID, s.CourseID)
	if err != nil {
		return nil, internalError("roster lookup failed", err)
	}
	return Rollup(s, roster), nil
}

func (m *Manager) publish(ctx context.Context, s Session, entries []Entry, at time.Time) {
	if m.records == nil {
		return
	}
	err := m.records.PublishRecord(ctx, Record{
		SessionID:   s.ID,
		SectionID:   s.SectionID,
		CourseID:    s.CourseID,
		Date:        s.Date,
		GeneratedAt: at,
		Entries:     entries,
	})
	if err != nil {
		m.log.WithError(err).WithField("session_id", s.ID).Warn("attendance record publish failed")
	}
}

// Stats summarizes attendance against the current roster.
func (m *Manager) Stats(ctx context.Context, id string) (Stats, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	roster, err := m.roster.CourseRoster(ctx, s.SectionID, s.CourseID)
	if err != nil {
		return Stats{}, internalError("roster lookup failed", err)
	}
	present := 0
	for _, e := range Rollup(s, roster) {
		if e.Status == StatusPresent {
			present++
		}
	}
	stats := Stats{
		SessionID:     s.ID,
		TotalStudents: len(roster),
		Present:       present,
		Absent:        len(roster) - present,
		IsActive:      s.IsActive && !s.Expired(m.opts.Now()),
	}
	if len(roster) > 0 {
		stats.AttendanceRate = math.Round(float64(present)/float64(len(roster))*10000) / 100
	}
	return stats, nil
}

// Sweep deactivates every session past its expiry.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	ids, err := m.store.DeactivateExpired(ctx, m.opts.Now().UTC())
	if err != nil {
		return 0, internalError("expiry sweep failed", err)
	}
	m.metrics.SessionsClosed("expired", len(ids))
	return len(ids), nil
}

// expire deactivates a session found past its expiry. Losing the race to
// another closer is fine.
func (m *Manager) expire(ctx context.Context, id string, now time.Time) (Session, error) {
	s, err := m.store.Deactivate(ctx, id, now)
	if err == nil {
		m.metrics.SessionsClosed("expired", 1)
		m.log.WithField("session_id", id).Info("attendance session expired")
		return s, nil
	}
	if errors.Is(err, ErrSessionInactive) {
		return Session{}, nil
	}
	return Session{}, internalError("session expiry failed", err)
}
