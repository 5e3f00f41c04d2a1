package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"semaphore/qrsession/internal/geo"
	"semaphore/qrsession/internal/session"
)

const dateLayout = "2006-01-02"

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// SessionStore implements session.Store on Postgres. Atomicity comes from
// conditional statements and the partial unique index on active sessions.
type SessionStore struct {
	*Store
}

func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{Store: store}
}

var _ session.Store = (*SessionStore)(nil)

func (s *SessionStore) Create(ctx context.Context, sess session.Session) error {
	row, err := toRow(sess)
	if err != nil {
		return err
	}
	err = s.Queries.CreateSession(ctx, row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return session.ErrActiveSessionExists
	}
	return err
}

func (s *SessionStore) Get(ctx context.Context, id string) (session.Session, error) {
	sessionID, err := parseUUID(id)
	if err != nil {
		return session.Session{}, session.ErrNoSession
	}
	row, err := s.Queries.GetSession(ctx, sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, session.ErrNoSession
	}
	if err != nil {
		return session.Session{}, err
	}
	return s.load(ctx, s.Queries, row)
}

func (s *SessionStore) FindActive(ctx context.Context, sectionID, courseID, date string) (session.Session, error) {
	day, err := pgDate(date)
	if err != nil {
		return session.Session{}, session.ErrNoSession
	}
	row, err := s.Queries.FindActiveSession(ctx, FindActiveSessionParams{
		SectionID:   sectionID,
		CourseID:    courseID,
		SessionDate: day,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, session.ErrNoSession
	}
	if err != nil {
		return session.Session{}, err
	}
	return s.load(ctx, s.Queries, row)
}

func (s *SessionStore) AppendAttendee(ctx context.Context, id string, a session.Attendee) error {
	sessionID, err := parseUUID(id)
	if err != nil {
		return session.ErrNoSession
	}
	row := QrSessionAttendee{
		SessionID: sessionID,
		StudentID: a.StudentID,
		ScannedAt: pgTime(a.ScannedAt),
	}
	if a.Location != nil {
		row.Latitude = pgFloat(a.Location.Latitude)
		row.Longitude = pgFloat(a.Location.Longitude)
		row.Accuracy = pgFloat(a.Location.Accuracy)
	}
	if len(a.DeviceInfo) > 0 {
		if row.DeviceInfo, err = json.Marshal(a.DeviceInfo); err != nil {
			return err
		}
	}

	inserted, err := s.Queries.AppendAttendee(ctx, row)
	if err != nil {
		return err
	}
	if inserted == 1 {
		return nil
	}

	attended, err := s.Queries.AttendeeExists(ctx, sessionID, a.StudentID)
	if err != nil {
		return err
	}
	if attended {
		return session.ErrAlreadyAttended
	}
	return s.missingOrInactive(ctx, sessionID)
}

func (s *SessionStore) Deactivate(ctx context.Context, id string, at time.Time) (session.Session, error) {
	sessionID, err := parseUUID(id)
	if err != nil {
		return session.Session{}, session.ErrNoSession
	}
	var out session.Session
	err = s.WithTx(ctx, func(q *Queries) error {
		row, err := q.DeactivateSession(ctx, DeactivateSessionParams{ID: sessionID, ClosedAt: pgTime(at)})
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missingOrInactive(ctx, sessionID)
		}
		if err != nil {
			return err
		}
		out, err = s.load(ctx, q, row)
		return err
	})
	return out, err
}

func (s *SessionStore) DeactivateExpired(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.Queries.DeactivateExpiredSessions(ctx, pgTime(now))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, uuidString(id))
	}
	return out, nil
}

func (s *SessionStore) missingOrInactive(ctx context.Context, id pgtype.UUID) error {
	exists, err := s.Queries.SessionExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return session.ErrNoSession
	}
	return session.ErrSessionInactive
}

func (s *SessionStore) load(ctx context.Context, q *Queries, row QrSession) (session.Session, error) {
	out := fromRow(row)
	attendees, err := q.ListAttendees(ctx, row.ID)
	if err != nil {
		return session.Session{}, err
	}
	for _, a := range attendees {
		attendee := session.Attendee{
			StudentID: a.StudentID,
			ScannedAt: a.ScannedAt.Time,
		}
		if a.Latitude.Valid && a.Longitude.Valid {
			attendee.Location = &geo.Point{
				Latitude:  a.Latitude.Float64,
				Longitude: a.Longitude.Float64,
				Accuracy:  a.Accuracy.Float64,
			}
		}
		if len(a.DeviceInfo) > 0 {
			if err := json.Unmarshal(a.DeviceInfo, &attendee.DeviceInfo); err != nil {
				return session.Session{}, fmt.Errorf("device info for %s: %w", a.StudentID, err)
			}
		}
		out.Attendees = append(out.Attendees, attendee)
	}
	return out, nil
}

func toRow(s session.Session) (QrSession, error) {
	id, err := parseUUID(s.ID)
	if err != nil {
		return QrSession{}, fmt.Errorf("session id %q: %w", s.ID, err)
	}
	day, err := pgDate(s.Date)
	if err != nil {
		return QrSession{}, fmt.Errorf("session date %q: %w", s.Date, err)
	}
	row := QrSession{
		ID:                 id,
		SectionID:          s.SectionID,
		CourseID:           s.CourseID,
		SessionDate:        day,
		StartTime:          pgTime(s.StartTime),
		EndTime:            pgTime(s.EndTime),
		MaxDurationMinutes: int32(s.MaxDurationMinutes),
		ExpiresAt:          pgTime(s.ExpiresAt),
		QrPayload:          s.QRPayload,
		AllowedRadius:      s.AllowedRadius,
		AntiCheatEnabled:   s.AntiCheatEnabled,
		IsActive:           s.IsActive,
		CreatedBy:          s.CreatedBy,
		CreatedAt:          pgTime(s.CreatedAt),
	}
	if s.Location != nil {
		row.AnchorLatitude = pgFloat(s.Location.Latitude)
		row.AnchorLongitude = pgFloat(s.Location.Longitude)
		row.AnchorAccuracy = pgFloat(s.Location.Accuracy)
	}
	if s.ClosedAt != nil {
		row.ClosedAt = pgTime(*s.ClosedAt)
	}
	return row, nil
}

func fromRow(row QrSession) session.Session {
	out := session.Session{
		ID:                 uuidString(row.ID),
		SectionID:          row.SectionID,
		CourseID:           row.CourseID,
		Date:               row.SessionDate.Time.Format(dateLayout),
		StartTime:          row.StartTime.Time,
		EndTime:            row.EndTime.Time,
		MaxDurationMinutes: int(row.MaxDurationMinutes),
		ExpiresAt:          row.ExpiresAt.Time,
		QRPayload:          row.QrPayload,
		AllowedRadius:      row.AllowedRadius,
		AntiCheatEnabled:   row.AntiCheatEnabled,
		IsActive:           row.IsActive,
		CreatedBy:          row.CreatedBy,
		CreatedAt:          row.CreatedAt.Time,
	}
	if row.AnchorLatitude.Valid && row.AnchorLongitude.Valid {
		out.Location = &geo.Point{
			Latitude:  row.AnchorLatitude.Float64,
			Longitude: row.AnchorLongitude.Float64,
			Accuracy:  row.AnchorAccuracy.Float64,
		}
	}
	if row.ClosedAt.Valid {
		closed := row.ClosedAt.Time
		out.ClosedAt = &closed
	}
	return out
}

func parseUUID(id string) (pgtype.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}, err
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, nil
}

func uuidString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func pgFloat(f float64) pgtype.Float8 {
	return pgtype.Float8{Float64: f, Valid: true}
}

func pgDate(day string) (pgtype.Date, error) {
	parsed, err := time.Parse(dateLayout, day)
	if err != nil {
		return pgtype.Date{}, err
	}
	return pgtype.Date{Time: parsed, Valid: true}, nil
}
