// Package status derives an assignment's lifecycle state from its due date
// and submission record.
package status

import (
	"sort"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/domain"
)

// Derive applies, in order: returned or graded -> graded; turned in ->
// submitted; otherwise overdue when the due date has passed, else backlog.
// A reclaimed submission skips the first two rules, so stale grade or
// turn-in data left on it never counts.
func Derive(item domain.CourseworkItem, sub *domain.SubmissionRecord, now time.Time) domain.SystemStatus {
	if sub != nil && sub.State != domain.SubmissionReclaimed {
		if sub.State == domain.SubmissionReturned || sub.Grade != nil {
			return domain.StatusGraded
		}
		if sub.State == domain.SubmissionTurnedIn || sub.TurnedInAt != nil {
			return domain.StatusSubmitted
		}
	}
	if item.Due != nil && item.Due.Instant().Before(now) {
		return domain.StatusOverdue
	}
	return domain.StatusBacklog
}

// Effective is the status shown to the user. The override only applies to
// items the system still considers open: submitted, graded and overdue
// always win, so an overdue item stays in the overdue group until a
// submission arrives.
func Effective(system domain.SystemStatus, user domain.UserStatus) domain.SystemStatus {
	switch system {
	case domain.StatusSubmitted, domain.StatusGraded, domain.StatusOverdue:
		return system
	}
	switch user {
	case domain.UserStatusInProgress:
		return domain.StatusInProgress
	case domain.UserStatusBacklog:
		return domain.StatusBacklog
	}
	return system
}

type Group string

const (
	GroupTodo       Group = "todo"
	GroupInProgress Group = "in_progress"
	GroupOverdue    Group = "overdue"
	GroupDone       Group = "done"
)

var Groups = []Group{GroupTodo, GroupInProgress, GroupOverdue, GroupDone}

func GroupOf(a domain.Assignment) Group {
	switch Effective(a.SystemStatus, a.UserStatus) {
	case domain.StatusSubmitted, domain.StatusGraded:
		return GroupDone
	case domain.StatusInProgress:
		return GroupInProgress
	case domain.StatusOverdue:
		return GroupOverdue
	default:
		return GroupTodo
	}
}

// GroupAll buckets assignments, keeping their order within each group.
func GroupAll(items []domain.Assignment) map[Group][]domain.Assignment {
	out := make(map[Group][]domain.Assignment, len(Groups))
	for _, g := range Groups {
		out[g] = []domain.Assignment{}
	}
	for _, a := range items {
		g := GroupOf(a)
		out[g] = append(out[g], a)
	}
	return out
}

// Dedupe keeps one submission per coursework item: the latest UpdatedAt, and
// on ties the one seen last.
func Dedupe(subs []domain.SubmissionRecord) map[string]domain.SubmissionRecord {
	out := make(map[string]domain.SubmissionRecord, len(subs))
	for _, s := range subs {
		if s.CourseworkID == "" {
			continue
		}
		prev, ok := out[s.CourseworkID]
		if ok && prev.UpdatedAt.After(s.UpdatedAt) {
			continue
		}
		out[s.CourseworkID] = s
	}
	return out
}

// Join builds the assignments of one course. Items come back sorted by due
// instant (undated last), then title, then id.
func Join(course domain.Course, items []domain.CourseworkItem, subs []domain.SubmissionRecord, overrides map[string]domain.UserStatus, now time.Time) []domain.Assignment {
	matched := Dedupe(subs)
	out := make([]domain.Assignment, 0, len(items))
	for _, item := range items {
		a := domain.Assignment{
			CourseworkItem: item,
			CourseName:     course.Name,
			CourseColor:    course.Color,
			UserStatus:     overrides[item.ID],
		}
		if s, ok := matched[item.ID]; ok {
			s := s
			a.Submission = &s
		}
		a.SystemStatus = Derive(item, a.Submission, now)
		out = append(out, a)
	}
	Sort(out)
	return out
}

func Sort(items []domain.Assignment) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.Due != nil && b.Due == nil:
			return true
		case a.Due == nil && b.Due != nil:
			return false
		case a.Due != nil && b.Due != nil && !a.Due.Instant().Equal(b.Due.Instant()):
			return a.Due.Instant().Before(b.Due.Instant())
		}
		if a.CourseID != b.CourseID {
			return a.CourseID < b.CourseID
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
}
