package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"semaphore/qrsession/internal/memory"
	"semaphore/qrsession/internal/payload"
	"semaphore/qrsession/internal/session"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordSink struct {
	mu      sync.Mutex
	records []session.Record
	err     error
}

func (s *recordSink) PublishRecord(_ context.Context, r session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return s.err
}

type harness struct {
	clock   *clock
	store   *memory.Store
	roster  *memory.Roster
	history *memory.History
	sink    *recordSink
	codec   *payload.Codec
	logs    *test.Hook
	manager *session.Manager
	scanner *session.Scanner
}

var (
	teacher = session.Actor{ID: "T1", Role: session.RoleTeacher, SectionID: "S"}
	admin   = session.Actor{ID: "A1", Role: session.RoleAdmin}
	start   = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	codec, err := payload.NewCodec("test-key")
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &harness{
		clock:   &clock{now: start},
		store:   memory.NewStore(),
		roster:  memory.NewRoster(),
		history: memory.NewHistory(),
		sink:    &recordSink{},
		codec:   codec,
		logs:    hook,
	}
	h.roster.AddSection("S")
	h.roster.AddSection("S2")
	h.roster.AddCourse("C", "S")
	h.roster.AddCourse("C2", "S2")
	h.roster.AddStudent("ST1", "S", "C")
	h.roster.AddStudent("ST2", "S", "C")
	h.roster.AddStudent("ST3", "S", "C")
	h.roster.AddStudent("OTHER", "S2", "C2")
	h.roster.AddStudent("DROPPED", "S")

	deps := session.Deps{
		Store:   h.store,
		Roster:  h.roster,
		Codec:   codec,
		History: h.history,
		Records: h.sink,
		Log:     logger,
	}
	opts := session.DefaultOptions()
	opts.Now = h.clock.Now
	h.manager = session.NewManager(deps, opts)
	h.scanner = session.NewScanner(deps, opts)
	return h
}

func (h *harness) open(t *testing.T, req session.OpenRequest) session.Session {
	t.Helper()
	if req.SectionID == "" {
		req.SectionID = "S"
	}
	if req.CourseID == "" {
		req.CourseID = "C"
	}
	s, err := h.manager.Open(context.Background(), teacher, req)
	require.NoError(t, err)
	return s
}

func requireKind(t *testing.T, err error, kind session.Kind, code string) *session.Error {
	t.Helper()
	require.Error(t, err)
	var e *session.Error
	require.True(t, errors.As(err, &e), "expected *session.Error, got %T", err)
	require.Equal(t, kind, e.Kind, e.Error())
	if code != "" {
		require.Equal(t, code, e.Code)
	}
	return e
}
