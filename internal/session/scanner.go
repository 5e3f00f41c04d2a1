package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"semaphore/qrsession/internal/geo"
	"semaphore/qrsession/internal/metrics"
)

type ScanRequest struct {
	StudentID  string
	Payload    string
	Location   *geo.Point
	DeviceInfo DeviceInfo
}

type ScanResult struct {
	Attendee
	SessionID string   `json:"sessionId"`
	SectionID string   `json:"sectionId"`
	CourseID  string   `json:"courseId"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Scanner validates and records scan attempts.
type Scanner struct {
	store   Store
	roster  Roster
	codec   Codec
	history LocationHistory
	metrics *metrics.Metrics
	log     logrus.FieldLogger
	opts    Options
}

func NewScanner(deps Deps, opts Options) *Scanner {
	return &Scanner{
		store:   deps.Store,
		roster:  deps.Roster,
		codec:   deps.Codec,
		history: deps.History,
		metrics: deps.Metrics,
		log:     deps.logger(),
		opts:    opts.withDefaults(),
	}
}

// Record runs the scan checks in a fixed order and stops at the first
// failure. The append happens last, so a rejected scan changes nothing.
func (p *Scanner) Record(ctx context.Context, req ScanRequest) (ScanResult, error) {
	result, err := p.record(ctx, req)
	if err != nil {
		p.metrics.Scan(string(KindOf(err)))
		return ScanResult{}, err
	}
	p.metrics.Scan("ok")
	return result, nil
}

func (p *Scanner) record(ctx context.Context, req ScanRequest) (ScanResult, error) {
	studentID := strings.TrimSpace(req.StudentID)
	if studentID == "" {
		return ScanResult{}, newError(KindBadRequest, "missing_student", "studentId is required")
	}
	// Read once; every time check below uses the same instant.
	now := p.opts.Now().UTC()

	desc, err := p.codec.Decode(req.Payload)
	if err != nil {
		return ScanResult{}, &Error{Kind: KindMalformed, Code: "invalid_qr", Reason: "QR code is invalid or has been tampered with", Err: err}
	}

	s, err := p.store.Get(ctx, desc.SessionID)
	if errors.Is(err, ErrNoSession) {
		return ScanResult{}, newError(KindNotFound, "session_not_found", "session not found")
	}
	if err != nil {
		return ScanResult{}, internalError("session lookup failed", err)
	}

	if !s.IsActive {
		return ScanResult{}, newError(KindGone, "session_closed", "session closed")
	}

	if s.Expired(now) {
		if _, err := p.store.Deactivate(ctx, s.ID, now); err == nil {
			p.metrics.SessionsClosed("expired", 1)
		} else if !errors.Is(err, ErrSessionInactive) {
			p.log.WithError(err).WithField("session_id", s.ID).Warn("expired session deactivation failed")
		}
		return ScanResult{}, newError(KindGone, "session_expired", "expired")
	}

	if now.Before(s.StartTime.Add(-p.opts.ScanBuffer)) || now.After(s.EndTime.Add(p.opts.ScanBuffer)) {
		return ScanResult{}, newError(KindBadRequest, "outside_session_window", "outside session window")
	}

	student, err := p.roster.LookupStudent(ctx, studentID)
	if errors.Is(err, ErrUnknownStudent) {
		return ScanResult{}, newError(KindNotFound, "student_not_found", "student not found")
	}
	if err != nil {
		return ScanResult{}, internalError("student lookup failed", err)
	}
	if student.SectionID != s.SectionID {
		return ScanResult{}, newError(KindForbidden, "wrong_section", "student does not belong to this section")
	}

	enrolled, err := p.roster.IsEnrolled(ctx, studentID, s.CourseID)
	if err != nil {
		return ScanResult{}, internalError("enrollment lookup failed", err)
	}
	if !enrolled {
		return ScanResult{}, newError(KindForbidden, "not_enrolled", "student is not enrolled in this course")
	}

	if s.HasAttended(studentID) {
		return ScanResult{}, alreadyMarked()
	}

	var warnings []string
	if req.Location != nil {
		if err := req.Location.Validate(); err != nil {
			return ScanResult{}, newError(KindBadRequest, "invalid_location", err.Error())
		}
	}
	if s.AntiCheatEnabled && req.Location != nil {
		if s.Location != nil {
			verdict := geo.Verify(*s.Location, *req.Location, s.AllowedRadius)
			if !verdict.OK {
				return ScanResult{}, newError(KindForbidden, "outside_allowed_radius", "outside allowed radius: "+verdict.Reason)
			}
		}
		// Spoofing heuristics need no anchor, only the sample and history.
		warnings = p.spoofWarnings(ctx, s, studentID, *req.Location, now)
	}

	attendee := Attendee{
		StudentID:  studentID,
		ScannedAt:  now,
		DeviceInfo: req.DeviceInfo,
	}
	if req.Location != nil {
		loc := *req.Location
		attendee.Location = &loc
	}
	switch err := p.store.AppendAttendee(ctx, s.ID, attendee); {
	case errors.Is(err, ErrAlreadyAttended):
		return ScanResult{}, alreadyMarked()
	case errors.Is(err, ErrSessionInactive):
		return ScanResult{}, newError(KindGone, "session_closed", "session closed")
	case errors.Is(err, ErrNoSession):
		return ScanResult{}, newError(KindNotFound, "session_not_found", "session not found")
	case err != nil:
		return ScanResult{}, internalError("attendance append failed", err)
	}

	if p.history != nil && attendee.Location != nil {
		if err := p.history.Remember(ctx, studentID, geo.Sample{Point: *attendee.Location, At: now}); err != nil {
			p.log.WithError(err).WithField("student_id", studentID).Warn("location history write failed")
		}
	}

	return ScanResult{
		Attendee:  attendee,
		SessionID: s.ID,
		SectionID: s.SectionID,
		CourseID:  s.CourseID,
		Warnings:  warnings,
	}, nil
}

func alreadyMarked() *Error {
	return newError(KindConflict, "already_marked", "already marked")
}

// spoofWarnings never fails the scan; history errors only lose the speed check.
func (p *Scanner) spoofWarnings(ctx context.Context, s Session, studentID string, sample geo.Point, now time.Time) []string {
	var previous *geo.Point
	var elapsed time.Duration
	if p.history != nil {
		last, ok, err := p.history.Last(ctx, studentID)
		if err != nil {
			p.log.WithError(err).WithField("student_id", studentID).Warn("location history read failed")
		} else if ok {
			previous = &last.Point
			elapsed = now.Sub(last.At)
		}
	}
	check := p.opts.Spoofing.Detect(sample, previous, elapsed)
	if !check.Suspicious {
		return nil
	}
	p.metrics.SpoofWarning()
	p.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"student_id": studentID,
		"reasons":    check.Reasons,
	}).Warn("suspicious scan location")
	return check.Reasons
}
