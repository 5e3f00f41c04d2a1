package session

import (
	"time"

	"semaphore/qrsession/internal/geo"
)

const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// Actor is the authenticated principal behind a request.
type Actor struct {
	ID        string
	Role      string
	SectionID string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type DeviceInfo map[string]string

type Attendee struct {
	StudentID  string     `json:"studentId"`
	ScannedAt  time.Time  `json:"scannedAt"`
	Location   *geo.Point `json:"location,omitempty"`
	DeviceInfo DeviceInfo `json:"deviceInfo,omitempty"`
}

// Session is one attendance window for a (section, course, day). Records are
// never deleted; closing only clears IsActive.
type Session struct {
	ID                 string     `json:"sessionId"`
	SectionID          string     `json:"sectionId"`
	CourseID           string     `json:"courseId"`
	Date               string     `json:"date"`
	StartTime          time.Time  `json:"startTime"`
	EndTime            time.Time  `json:"endTime"`
	MaxDurationMinutes int        `json:"maxDurationMinutes"`
	ExpiresAt          time.Time  `json:"expiresAt"`
	QRPayload          string     `json:"qrPayload"`
	Location           *geo.Point `json:"location,omitempty"`
	AllowedRadius      float64    `json:"allowedRadius"`
	AntiCheatEnabled   bool       `json:"antiCheatEnabled"`
	IsActive           bool       `json:"isActive"`
	CreatedBy          string     `json:"createdBy"`
	CreatedAt          time.Time  `json:"createdAt"`
	ClosedAt           *time.Time `json:"closedAt,omitempty"`
	Attendees          []Attendee `json:"attendedStudents"`
}

func (s Session) HasAttended(studentID string) bool {
	_, ok := s.attendee(studentID)
	return ok
}

func (s Session) attendee(studentID string) (Attendee, bool) {
	for _, a := range s.Attendees {
		if a.StudentID == studentID {
			return a, true
		}
	}
	return Attendee{}, false
}

// Expired reports whether now is past ExpiresAt.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

type Entry struct {
	StudentID string `json:"studentId"`
	Status    Status `json:"status"`
	Note      string `json:"note,omitempty"`
}

// Record is the rollup handed to the attendance record store.
type Record struct {
	SessionID   string    `json:"sessionId"`
	SectionID   string    `json:"sectionId"`
	CourseID    string    `json:"courseId"`
	Date        string    `json:"date"`
	GeneratedAt time.Time `json:"generatedAt"`
	Entries     []Entry   `json:"entries"`
}

type Course struct {
	ID        string
	SectionID string
}

type Student struct {
	ID        string
	SectionID string
}

type Stats struct {
	SessionID      string  `json:"sessionId"`
	TotalStudents  int     `json:"totalStudents"`
	Present        int     `json:"present"`
	Absent         int     `json:"absent"`
	AttendanceRate float64 `json:"attendanceRate"`
	IsActive       bool    `json:"isActive"`
}
