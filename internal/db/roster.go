package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"semaphore/qrsession/internal/session"
)

const sectionExists = `SELECT EXISTS (SELECT 1 FROM sections WHERE id = $1)`

func (q *Queries) SectionExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, sectionExists, id).Scan(&exists)
	return exists, err
}

const getCourse = `SELECT id, section_id FROM courses WHERE id = $1`

func (q *Queries) GetCourse(ctx context.Context, id string) (session.Course, error) {
	var c session.Course
	err := q.db.QueryRow(ctx, getCourse, id).Scan(&c.ID, &c.SectionID)
	return c, err
}

const getStudent = `SELECT id, section_id FROM students WHERE id = $1`

func (q *Queries) GetStudent(ctx context.Context, id string) (session.Student, error) {
	var st session.Student
	err := q.db.QueryRow(ctx, getStudent, id).Scan(&st.ID, &st.SectionID)
	return st, err
}

const isEnrolled = `SELECT EXISTS (
    SELECT 1 FROM course_enrollments WHERE student_id = $1 AND course_id = $2
)`

func (q *Queries) IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error) {
	var enrolled bool
	err := q.db.QueryRow(ctx, isEnrolled, studentID, courseID).Scan(&enrolled)
	return enrolled, err
}

const listCourseRoster = `SELECT s.id
FROM students s
JOIN course_enrollments e ON e.student_id = s.id
WHERE s.section_id = $1 AND e.course_id = $2
ORDER BY s.id`

func (q *Queries) ListCourseRoster(ctx context.Context, sectionID, courseID string) ([]string, error) {
	rows, err := q.db.Query(ctx, listCourseRoster, sectionID, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	return items, rows.Err()
}

// Roster reads the enrollment tables replicated from the academic records system.
type Roster struct {
	Queries *Queries
}

func NewRoster(store *Store) *Roster {
	return &Roster{Queries: store.Queries}
}

var _ session.Roster = (*Roster)(nil)

func (r *Roster) SectionExists(ctx context.Context, sectionID string) (bool, error) {
	return r.Queries.SectionExists(ctx, sectionID)
}

func (r *Roster) LookupCourse(ctx context.Context, courseID string) (session.Course, error) {
	c, err := r.Queries.GetCourse(ctx, courseID)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Course{}, session.ErrUnknownCourse
	}
	return c, err
}

func (r *Roster) LookupStudent(ctx context.Context, studentID string) (session.Student, error) {
	st, err := r.Queries.GetStudent(ctx, studentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Student{}, session.ErrUnknownStudent
	}
	return st, err
}

func (r *Roster) IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error) {
	return r.Queries.IsEnrolled(ctx, studentID, courseID)
}

func (r *Roster) CourseRoster(ctx context.Context, sectionID, courseID string) ([]string, error) {
	return r.Queries.ListCourseRoster(ctx, sectionID, courseID)
}
