package session_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semaphore/qrsession/internal/geo"
	"semaphore/qrsession/internal/payload"
	"semaphore/qrsession/internal/session"
)

var campus = geo.Point{Latitude: 23.81, Longitude: 90.41}

func metersNorth(p geo.Point, meters float64) geo.Point {
	return geo.Point{Latitude: p.Latitude + meters/6371000*180/math.Pi, Longitude: p.Longitude}
}

func TestScanScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	anchor := campus
	s := h.open(t, session.OpenRequest{DurationMinutes: 15, Location: &anchor, AllowedRadius: 100, AntiCheat: true})

	here := campus
	res, err := h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST1", Payload: s.QRPayload, Location: &here})
	require.NoError(t, err)
	assert.Equal(t, "ST1", res.StudentID)
	assert.Equal(t, s.ID, res.SessionID)
	assert.Equal(t, "C", res.CourseID)
	assert.Equal(t, start, res.ScannedAt)

	far := metersNorth(campus, 500)
	_, err = h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST2", Payload: s.QRPayload, Location: &far})
	e := requireKind(t, err, session.KindForbidden, "outside_allowed_radius")
	assert.Contains(t, e.Reason, "500m")
	assert.Contains(t, e.Reason, "100m")

	_, err = h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST1", Payload: s.QRPayload, Location: &here})
	requireKind(t, err, session.KindConflict, "already_marked")

	h.clock.Set(s.ExpiresAt.Add(time.Second))
	_, err = h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST3", Payload: s.QRPayload, Location: &here})
	requireKind(t, err, session.KindGone, "session_expired")

	stored, err := h.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive, "expired scan deactivates the session")

	closed, entries, err := h.manager.Close(ctx, teacher, s.ID, true)
	require.NoError(t, err)
	assert.False(t, closed.IsActive)
	require.Len(t, entries, 3)
	assert.Equal(t, session.Entry{StudentID: "ST1", Status: session.StatusPresent, Note: "QR scan at 2026-03-02 09:00:00 UTC"}, entries[0])
	assert.Equal(t, session.Entry{StudentID: "ST2", Status: session.StatusAbsent}, entries[1])
	assert.Equal(t, session.Entry{StudentID: "ST3", Status: session.StatusAbsent}, entries[2])
	require.Len(t, h.sink.records, 1)
	assert.Equal(t, entries, h.sink.records[0].Entries)
}

func TestScanExpiryBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.open(t, session.OpenRequest{DurationMinutes: 10})

	h.clock.Set(s.ExpiresAt.Add(-time.Second))
	_, err := h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST1", Payload: s.QRPayload})
	require.NoError(t, err)

	h.clock.Set(s.ExpiresAt)
	_, err = h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST2", Payload: s.QRPayload})
	require.NoError(t, err, "a scan exactly at expiry is still in time")

	h.clock.Set(s.ExpiresAt.Add(time.Second))
	_, err = h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST3", Payload: s.QRPayload})
	requireKind(t, err, session.KindGone, "session_expired")

	// Once deactivated the session reports closed.
	_, err = h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST3", Payload: s.QRPayload})
	requireKind(t, err, session.KindGone, "session_closed")
}

func TestScanErrorPrecedence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.open(t, session.OpenRequest{})

	_, err := h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST1", Payload: "garbage"})
	requireKind(t, err, session.KindMalformed, "invalid_qr")

	ghost, err := h.codec.Encode(payload.Descriptor{SessionID: "ghost", SectionID: "S", CourseID: "C", IssuedAt: start, ExpiresAt: start.Add(time.Hour)})
	require.NoError(t, err)
	_, err = h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST1", Payload: ghost})
	requireKind(t, err, session.KindNotFound, "session_not_found")

	// Student checks run only after the session checks pass.
	_, err = h.scanner.Record(ctx, session.ScanRequest{StudentID: "nobody", Payload: s.QRPayload})
	requireKind(t, err, session.KindNotFound, "student_not_found")

	_, err = h.scanner.Record(ctx, session.ScanRequest{StudentID: "OTHER", Payload: s.QRPayload})
	requireKind(t, err, session.KindForbidden, "wrong_section")

	_, err = h.scanner.Record(ctx, session.ScanRequest{StudentID: "DROPPED", Payload: s.QRPayload})
	requireKind(t, err, session.KindForbidden, "not_enrolled")

	_, err = h.scanner.Record(ctx, session.ScanRequest{Payload: s.QRPayload})
	requireKind(t, err, session.KindBadRequest, "missing_student")

	_, _, err = h.manager.Close(ctx, teacher, s.ID, false)
	require.NoError(t, err)
	// A closed session is reported before any student check.
	_, err = h.scanner.Record(ctx, session.ScanRequest{StudentID: "OTHER", Payload: s.QRPayload})
	requireKind(t, err, session.KindGone, "session_closed")
}

func TestScanOutsideWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.open(t, session.OpenRequest{DurationMinutes: 30})

	h.clock.Set(start.Add(-6 * time.Minute))
	_, err := h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST1", Payload: s.QRPayload})
	requireKind(t, err, session.KindBadRequest, "outside_session_window")

	h.clock.Set(start.Add(-4 * time.Minute))
	_, err = h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST1", Payload: s.QRPayload})
	require.NoError(t, err)
}

func TestScanGeofenceSkippedWithoutAntiCheat(t *testing.T) {
	h := newHarness(t)
	anchor := campus
	s := h.open(t, session.OpenRequest{Location: &anchor, AllowedRadius: 100})

	far := metersNorth(campus, 5000)
	_, err := h.scanner.Record(context.Background(), session.ScanRequest{StudentID: "ST1", Payload: s.QRPayload, Location: &far})
	require.NoError(t, err)
}

func TestScanWithoutSampleSkipsGeofence(t *testing.T) {
	h := newHarness(t)
	anchor := campus
	s := h.open(t, session.OpenRequest{Location: &anchor, AntiCheat: true})

	res, err := h.scanner.Record(context.Background(), session.ScanRequest{StudentID: "ST1", Payload: s.QRPayload})
	require.NoError(t, err)
	assert.Nil(t, res.Location)
}

func TestScanAccuracyWidensGeofence(t *testing.T) {
	h := newHarness(t)
	anchor := campus
	anchor.Accuracy = 20
	s := h.open(t, session.OpenRequest{Location: &anchor, AllowedRadius: 100, AntiCheat: true})

	sample := metersNorth(campus, 130)
	sample.Accuracy = 15
	_, err := h.scanner.Record(context.Background(), session.ScanRequest{StudentID: "ST1", Payload: s.QRPayload, Location: &sample})
	require.NoError(t, err)
}

func TestScanInvalidSample(t *testing.T) {
	h := newHarness(t)
	s := h.open(t, session.OpenRequest{})
	bad := geo.Point{Latitude: 23, Longitude: 200}
	_, err := h.scanner.Record(context.Background(), session.ScanRequest{StudentID: "ST1", Payload: s.QRPayload, Location: &bad})
	requireKind(t, err, session.KindBadRequest, "invalid_location")
}

func TestScanSpoofingIsAdvisory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	anchor := campus
	s := h.open(t, session.OpenRequest{Location: &anchor, AllowedRadius: 1000, AntiCheat: true})

	// Remembered one second ago, 1.5km away.
	require.NoError(t, h.history.Remember(ctx, "ST1", geo.Sample{Point: metersNorth(campus, 1500), At: start.Add(-time.Second)}))

	clean := geo.Point{Latitude: 23.81, Longitude: 90.41, Accuracy: 2}
	res, err := h.scanner.Record(ctx, session.ScanRequest{
		StudentID:  "ST1",
		Payload:    s.QRPayload,
		Location:   &clean,
		DeviceInfo: session.DeviceInfo{"platform": "android"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 2)
	assert.Equal(t, "android", res.DeviceInfo["platform"])

	entry := h.logs.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "suspicious scan location", entry.Message)
	assert.Equal(t, s.ID, entry.Data["session_id"])

	last, ok, err := h.history.Last(ctx, "ST1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, clean, last.Point)
	assert.Equal(t, start, last.At)
}

func TestScanSpoofingWithoutAnchor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.open(t, session.OpenRequest{AntiCheat: true})
	require.Nil(t, s.Location)

	null := geo.Point{}
	res, err := h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST1", Payload: s.QRPayload, Location: &null})
	require.NoError(t, err)
	assert.Equal(t, []string{"coordinates at (0,0)"}, res.Warnings)

	// Without anti-cheat the same sample is accepted silently.
	h.clock.Set(start.Add(time.Hour))
	plain := h.open(t, session.OpenRequest{})
	res, err = h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST2", Payload: plain.QRPayload, Location: &null})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
}

func TestConcurrentScansAtMostOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.open(t, session.OpenRequest{})

	const callers = 32
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.scanner.Record(ctx, session.ScanRequest{StudentID: "ST1", Payload: s.QRPayload})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, session.KindConflict, session.KindOf(err))
	}
	assert.Equal(t, 1, wins)

	stored, err := h.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Attendees, 1)
}

// racingStore hides attendees from Get so both scans pass the early
// duplicate check and only the atomic append can reject the second.
type racingStore struct {
	session.Store
}

func (r racingStore) Get(ctx context.Context, id string) (session.Session, error) {
	s, err := r.Store.Get(ctx, id)
	s.Attendees = nil
	return s, err
}

func TestAppendConflictReportedAsAlreadyMarked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.open(t, session.OpenRequest{})

	opts := session.DefaultOptions()
	opts.Now = h.clock.Now
	scanner := session.NewScanner(session.Deps{Store: racingStore{h.store}, Roster: h.roster, Codec: h.codec}, opts)

	_, err := scanner.Record(ctx, session.ScanRequest{StudentID: "ST1", Payload: s.QRPayload})
	require.NoError(t, err)
	_, err = scanner.Record(ctx, session.ScanRequest{StudentID: "ST1", Payload: s.QRPayload})
	requireKind(t, err, session.KindConflict, "already_marked")
}
