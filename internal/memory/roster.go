package memory

import (
	"context"
	"sort"
	"sync"

	"semaphore/qrsession/internal/session"
)

type Roster struct {
	mu          sync.RWMutex
	sections    map[string]bool
	courses     map[string]session.Course
	students    map[string]session.Student
	enrollments map[string]map[string]bool // course -> students
}

func NewRoster() *Roster {
	return &Roster{
		sections:    make(map[string]bool),
		courses:     make(map[string]session.Course),
		students:    make(map[string]session.Student),
		enrollments: make(map[string]map[string]bool),
	}
}

func (r *Roster) AddSection(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sections[id] = true
}

func (r *Roster) AddCourse(id, sectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.courses[id] = session.Course{ID: id, SectionID: sectionID}
}

// AddStudent registers a student in sectionID and enrolls them in courseIDs.
func (r *Roster) AddStudent(id, sectionID string, courseIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.students[id] = session.Student{ID: id, SectionID: sectionID}
	for _, courseID := range courseIDs {
		if r.enrollments[courseID] == nil {
			r.enrollments[courseID] = make(map[string]bool)
		}
		r.enrollments[courseID][id] = true
	}
}

func (r *Roster) SectionExists(_ context.Context, sectionID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sections[sectionID], nil
}

func (r *Roster) LookupCourse(_ context.Context, courseID string) (session.Course, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.courses[courseID]
	if !ok {
		return session.Course{}, session.ErrUnknownCourse
	}
	return c, nil
}

func (r *Roster) LookupStudent(_ context.Context, studentID string) (session.Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.students[studentID]
	if !ok {
		return session.Student{}, session.ErrUnknownStudent
	}
	return s, nil
}

func (r *Roster) IsEnrolled(_ context.Context, studentID, courseID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enrollments[courseID][studentID], nil
}

func (r *Roster) CourseRoster(_ context.Context, sectionID, courseID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for studentID := range r.enrollments[courseID] {
		if r.students[studentID].SectionID == sectionID {
			ids = append(ids, studentID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
