package session

import (
	"context"
	"time"

	"semaphore/qrsession/internal/geo"
	"semaphore/qrsession/internal/payload"
)

// Store persists sessions. Every mutation is a single atomic operation in the
// backing store; callers never read, check and then write.
type Store interface {
	// Create inserts s unless an active session already exists for the same
	// section, course and date, in which case it returns ErrActiveSessionExists.
	Create(ctx context.Context, s Session) error
	// Get returns ErrNoSession when id is unknown.
	Get(ctx context.Context, id string) (Session, error)
	// FindActive returns ErrNoSession when nothing is active for the key.
	FindActive(ctx context.Context, sectionID, courseID, date string) (Session, error)
	// AppendAttendee adds a unless the student is already recorded
	// (ErrAlreadyAttended) or the session is no longer active (ErrSessionInactive).
	AppendAttendee(ctx context.Context, sessionID string, a Attendee) error
	// Deactivate flips an active session to inactive and returns it. It fails
	// with ErrNoSession or ErrSessionInactive.
	Deactivate(ctx context.Context, id string, at time.Time) (Session, error)
	// DeactivateExpired closes every active session whose expiry is before now.
	DeactivateExpired(ctx context.Context, now time.Time) ([]string, error)
}

// Roster answers enrollment questions owned by the academic records system.
type Roster interface {
	SectionExists(ctx context.Context, sectionID string) (bool, error)
	LookupCourse(ctx context.Context, courseID string) (Course, error)
	LookupStudent(ctx context.Context, studentID string) (Student, error)
	IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error)
	// CourseRoster lists the students of sectionID enrolled in courseID.
	CourseRoster(ctx context.Context, sectionID, courseID string) ([]string, error)
}

type Codec interface {
	Encode(d payload.Descriptor) (string, error)
	Decode(value string) (payload.Descriptor, error)
}

// LocationHistory remembers the last accepted scan location per student.
type LocationHistory interface {
	Last(ctx context.Context, studentID string) (geo.Sample, bool, error)
	Remember(ctx context.Context, studentID string, sample geo.Sample) error
}

type RecordSink interface {
	PublishRecord(ctx context.Context, r Record) error
}
