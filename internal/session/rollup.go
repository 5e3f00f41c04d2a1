package session

import "time"

const noteLayout = "2006-01-02 15:04:05 MST"

// Rollup derives one entry per roster student: present when the student
// scanned into s, absent otherwise. It is pure.
func Rollup(s Session, roster []string) []Entry {
	scanned := make(map[string]time.Time, len(s.Attendees))
	for _, a := range s.Attendees {
		scanned[a.StudentID] = a.ScannedAt
	}
	entries := make([]Entry, 0, len(roster))
	for _, studentID := range roster {
		at, ok := scanned[studentID]
		if !ok {
			entries = append(entries, Entry{StudentID: studentID, Status: StatusAbsent})
			continue
		}
		entries = append(entries, Entry{
			StudentID: studentID,
			Status:    StatusPresent,
			Note:      "QR scan at " + at.UTC().Format(noteLayout),
		})
	}
	return entries
}
