package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

type QrSession struct {
	ID                 pgtype.UUID
	SectionID          string
	CourseID           string
	SessionDate        pgtype.Date
	StartTime          pgtype.Timestamptz
	EndTime            pgtype.Timestamptz
	MaxDurationMinutes int32
	ExpiresAt          pgtype.Timestamptz
	QrPayload          string
	AnchorLatitude     pgtype.Float8
	AnchorLongitude    pgtype.Float8
	AnchorAccuracy     pgtype.Float8
	AllowedRadius      float64
	AntiCheatEnabled   bool
	IsActive           bool
	CreatedBy          string
	CreatedAt          pgtype.Timestamptz
	ClosedAt           pgtype.Timestamptz
}

type QrSessionAttendee struct {
	SessionID  pgtype.UUID
	StudentID  string
	ScannedAt  pgtype.Timestamptz
	Latitude   pgtype.Float8
	Longitude  pgtype.Float8
	Accuracy   pgtype.Float8
	DeviceInfo []byte
}

const sessionColumns = `id, section_id, course_id, session_date, start_time, end_time, max_duration_minutes,
    expires_at, qr_payload, anchor_latitude, anchor_longitude, anchor_accuracy, allowed_radius,
    anti_cheat_enabled, is_active, created_by, created_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (QrSession, error) {
	var i QrSession
	err := row.Scan(
		&i.ID,
		&i.SectionID,
		&i.CourseID,
		&i.SessionDate,
		&i.StartTime,
		&i.EndTime,
		&i.MaxDurationMinutes,
		&i.ExpiresAt,
		&i.QrPayload,
		&i.AnchorLatitude,
		&i.AnchorLongitude,
		&i.AnchorAccuracy,
		&i.AllowedRadius,
		&i.AntiCheatEnabled,
		&i.IsActive,
		&i.CreatedBy,
		&i.CreatedAt,
		&i.ClosedAt,
	)
	return i, err
}

const createSession = `INSERT INTO qr_sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

func (q *Queries) CreateSession(ctx context.Context, arg QrSession) error {
	_, err := q.db.Exec(ctx, createSession,
		arg.ID,
		arg.SectionID,
		arg.CourseID,
		arg.SessionDate,
		arg.StartTime,
		arg.EndTime,
		arg.MaxDurationMinutes,
		arg.ExpiresAt,
		arg.QrPayload,
		arg.AnchorLatitude,
		arg.AnchorLongitude,
		arg.AnchorAccuracy,
		arg.AllowedRadius,
		arg.AntiCheatEnabled,
		arg.IsActive,
		arg.CreatedBy,
		arg.CreatedAt,
		arg.ClosedAt,
	)
	return err
}

const getSession = `SELECT ` + sessionColumns + ` FROM qr_sessions WHERE id = $1`

func (q *Queries) GetSession(ctx context.Context, id pgtype.UUID) (QrSession, error) {
	return scanSession(q.db.QueryRow(ctx, getSession, id))
}

const findActiveSession = `SELECT ` + sessionColumns + ` FROM qr_sessions
WHERE section_id = $1 AND course_id = $2 AND session_date = $3 AND is_active`

type FindActiveSessionParams struct {
	SectionID   string
	CourseID    string
	SessionDate pgtype.Date
}

func (q *Queries) FindActiveSession(ctx context.Context, arg FindActiveSessionParams) (QrSession, error) {
	return scanSession(q.db.QueryRow(ctx, findActiveSession, arg.SectionID, arg.CourseID, arg.SessionDate))
}

const sessionExists = `SELECT EXISTS (SELECT 1 FROM qr_sessions WHERE id = $1)`

func (q *Queries) SessionExists(ctx context.Context, id pgtype.UUID) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, sessionExists, id).Scan(&exists)
	return exists, err
}

const deactivateSession = `UPDATE qr_sessions SET is_active = FALSE, closed_at = $2
WHERE id = $1 AND is_active
RETURNING ` + sessionColumns

type DeactivateSessionParams struct {
	ID       pgtype.UUID
	ClosedAt pgtype.Timestamptz
}

func (q *Queries) DeactivateSession(ctx context.Context, arg DeactivateSessionParams) (QrSession, error) {
	return scanSession(q.db.QueryRow(ctx, deactivateSession, arg.ID, arg.ClosedAt))
}

const deactivateExpiredSessions = `UPDATE qr_sessions SET is_active = FALSE, closed_at = $1
WHERE is_active AND expires_at < $1
RETURNING id`

func (q *Queries) DeactivateExpiredSessions(ctx context.Context, now pgtype.Timestamptz) ([]pgtype.UUID, error) {
	rows, err := q.db.Query(ctx, deactivateExpiredSessions, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []pgtype.UUID
	for rows.Next() {
		var id pgtype.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	return items, rows.Err()
}

// The insert only happens while the session is active, and the primary key
// turns a second scan into a no-op. Zero affected rows means one of the two.
// FOR SHARE holds the session row until the insert commits, so a concurrent
// DeactivateSession either waits for it or is seen as inactive.
const appendAttendee = `WITH s AS (
    SELECT id FROM qr_sessions WHERE id = $1::uuid AND is_active FOR SHARE
)
INSERT INTO qr_session_attendees
    (session_id, student_id, scanned_at, latitude, longitude, accuracy, device_info)
SELECT s.id, $2::text, $3::timestamptz, $4::float8, $5::float8, $6::float8, $7::jsonb
FROM s
ON CONFLICT (session_id, student_id) DO NOTHING`

func (q *Queries) AppendAttendee(ctx context.Context, arg QrSessionAttendee) (int64, error) {
	tag, err := q.db.Exec(ctx, appendAttendee,
		arg.SessionID,
		arg.StudentID,
		arg.ScannedAt,
		arg.Latitude,
		arg.Longitude,
		arg.Accuracy,
		arg.DeviceInfo,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const attendeeExists = `SELECT EXISTS (
    SELECT 1 FROM qr_session_attendees WHERE session_id = $1 AND student_id = $2
)`

func (q *Queries) AttendeeExists(ctx context.Context, sessionID pgtype.UUID, studentID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, attendeeExists, sessionID, studentID).Scan(&exists)
	return exists, err
}

const listAttendees = `SELECT session_id, student_id, scanned_at, latitude, longitude, accuracy, device_info
FROM qr_session_attendees
WHERE session_id = $1
ORDER BY scanned_at, student_id`

func (q *Queries) ListAttendees(ctx context.Context, sessionID pgtype.UUID) ([]QrSessionAttendee, error) {
	rows, err := q.db.Query(ctx, listAttendees, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []QrSessionAttendee
	for rows.Next() {
		var i QrSessionAttendee
		if err := rows.Scan(
			&i.SessionID,
			&i.StudentID,
			&i.ScannedAt,
			&i.Latitude,
			&i.Longitude,
			&i.Accuracy,
			&i.DeviceInfo,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
