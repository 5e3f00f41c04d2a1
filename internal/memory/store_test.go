package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semaphore/qrsession/internal/session"
)

func activeSession(id string, expires time.Time) session.Session {
	return session.Session{
		ID:        id,
		SectionID: "S",
		CourseID:  "C",
		Date:      "2026-03-02",
		ExpiresAt: expires,
		IsActive:  true,
	}
}

func TestCreateIsUniquePerActiveKey(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	expires := time.Now().Add(time.Hour)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := st.Create(ctx, activeSession(fmt.Sprintf("s-%d", i), expires))
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			assert.ErrorIs(t, err, session.ErrActiveSessionExists)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestCreateAfterDeactivate(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	require.NoError(t, st.Create(ctx, activeSession("a", time.Now())))
	_, err := st.Deactivate(ctx, "a", time.Now())
	require.NoError(t, err)
	require.NoError(t, st.Create(ctx, activeSession("b", time.Now())))

	_, err = st.Deactivate(ctx, "a", time.Now())
	assert.ErrorIs(t, err, session.ErrSessionInactive)
	_, err = st.Deactivate(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestAppendAttendeeAtMostOnce(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	require.NoError(t, st.Create(ctx, activeSession("a", time.Now().Add(time.Hour))))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.AppendAttendee(ctx, "a", session.Attendee{StudentID: "ST1", ScannedAt: time.Now()})
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			assert.ErrorIs(t, err, session.ErrAlreadyAttended)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	s, err := st.Get(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, s.Attendees, 1)
}

func TestAppendAttendeeRequiresActive(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	require.NoError(t, st.Create(ctx, activeSession("a", time.Now())))
	_, err := st.Deactivate(ctx, "a", time.Now())
	require.NoError(t, err)

	err = st.AppendAttendee(ctx, "a", session.Attendee{StudentID: "ST1"})
	assert.ErrorIs(t, err, session.ErrSessionInactive)
	err = st.AppendAttendee(ctx, "missing", session.Attendee{StudentID: "ST1"})
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestDeactivateExpired(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	expired := activeSession("old", now.Add(-time.Minute))
	fresh := activeSession("new", now.Add(time.Minute))
	fresh.CourseID = "C2"
	require.NoError(t, st.Create(ctx, expired))
	require.NoError(t, st.Create(ctx, fresh))

	ids, err := st.DeactivateExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	s, err := st.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, s.IsActive)
	require.NotNil(t, s.ClosedAt)
	assert.Equal(t, now, *s.ClosedAt)

	_, err = st.FindActive(ctx, "S", "C2", "2026-03-02")
	assert.NoError(t, err)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	require.NoError(t, st.Create(ctx, activeSession("a", time.Now().Add(time.Hour))))
	require.NoError(t, st.AppendAttendee(ctx, "a", session.Attendee{StudentID: "ST1"}))

	s, err := st.Get(ctx, "a")
	require.NoError(t, err)
	s.Attendees[0].StudentID = "mutated"

	again, err := st.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "ST1", again.Attendees[0].StudentID)
}

func TestRosterCourseRoster(t *testing.T) {
	ctx := context.Background()
	r := NewRoster()
	r.AddSection("S")
	r.AddCourse("C", "S")
	r.AddStudent("ST2", "S", "C")
	r.AddStudent("ST1", "S", "C")
	r.AddStudent("OUT", "OTHER", "C")
	r.AddStudent("ST3", "S")

	ids, err := r.CourseRoster(ctx, "S", "C")
	require.NoError(t, err)
	assert.Equal(t, []string{"ST1", "ST2"}, ids)

	ok, err := r.IsEnrolled(ctx, "ST3", "C")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.LookupStudent(ctx, "nobody")
	assert.ErrorIs(t, err, session.ErrUnknownStudent)
	_, err = r.LookupCourse(ctx, "nothing")
	assert.ErrorIs(t, err, session.ErrUnknownCourse)
}
