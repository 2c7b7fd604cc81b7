package classroom

import (
	"strings"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/domain"
)

// Wire shapes for the fields this service consumes. Everything is converted
// to domain records right after decoding.

type wireCourse struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Section            string `json:"section"`
	OwnerID            string `json:"ownerId"`
	EnrollmentCode     string `json:"enrollmentCode"`
	CourseState        string `json:"courseState"`
	AlternateLink      string `json:"alternateLink"`
	DescriptionHeading string `json:"descriptionHeading"`
}

type wireDate struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

type wireTime struct {
	Hours   *int `json:"hours"`
	Minutes *int `json:"minutes"`
}

type wireCoursework struct {
	ID            string    `json:"id"`
	CourseID      string    `json:"courseId"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	DueDate       *wireDate `json:"dueDate"`
	DueTime       *wireTime `json:"dueTime"`
	MaxPoints     float64   `json:"maxPoints"`
	AlternateLink string    `json:"alternateLink"`
	State         string    `json:"state"`
}

type wireStateHistory struct {
	State          string    `json:"state"`
	StateTimestamp time.Time `json:"stateTimestamp"`
}

type wireGradeHistory struct {
	PointsEarned   *float64  `json:"pointsEarned"`
	GradeTimestamp time.Time `json:"gradeTimestamp"`
	GradeChange    string    `json:"gradeChangeType"`
}

type wireHistory struct {
	StateHistory *wireStateHistory `json:"stateHistory"`
	GradeHistory *wireGradeHistory `json:"gradeHistory"`
}

type wireSubmission struct {
	ID                 string        `json:"id"`
	CourseID           string        `json:"courseId"`
	CourseWorkID       string        `json:"courseWorkId"`
	LegacyCourseworkID string        `json:"courseworkId"`
	UserID             string        `json:"userId"`
	State              string        `json:"state"`
	AssignedGrade      *float64      `json:"assignedGrade"`
	LegacyGrade        *float64      `json:"grade"`
	Late               bool          `json:"late"`
	UpdateTime         time.Time     `json:"updateTime"`
	CreationTime       time.Time     `json:"creationTime"`
	SubmissionHistory  []wireHistory `json:"submissionHistory"`
}

type wireAnnouncement struct {
	ID            string    `json:"id"`
	CourseID      string    `json:"courseId"`
	Text          string    `json:"text"`
	AlternateLink string    `json:"alternateLink"`
	UpdateTime    time.Time `json:"updateTime"`
}

type wireMaterial struct {
	ID            string    `json:"id"`
	CourseID      string    `json:"courseId"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	AlternateLink string    `json:"alternateLink"`
	UpdateTime    time.Time `json:"updateTime"`
}

func (w wireCourse) toDomain() domain.Course {
	return domain.Course{
		ID:             w.ID,
		Name:           w.Name,
		Section:        w.Section,
		OwnerID:        w.OwnerID,
		EnrollmentCode: w.EnrollmentCode,
		State:          w.CourseState,
		AlternateLink:  w.AlternateLink,
		Color:          domain.CourseColor(w.Name),
	}
}

func (w wireCoursework) toDomain(courseID string) domain.CourseworkItem {
	if w.CourseID != "" {
		courseID = w.CourseID
	}
	item := domain.CourseworkItem{
		ID:            w.ID,
		CourseID:      courseID,
		Title:         strings.TrimSpace(w.Title),
		Description:   w.Description,
		MaxPoints:     w.MaxPoints,
		AlternateLink: w.AlternateLink,
	}
	if w.DueDate != nil {
		due := domain.DueDate{Year: w.DueDate.Year, Month: w.DueDate.Month, Day: w.DueDate.Day}
		// A dueTime object with no fields set means midnight.
		if w.DueTime != nil {
			due.HasTime = true
			if w.DueTime.Hours != nil {
				due.Hour = *w.DueTime.Hours
			}
			if w.DueTime.Minutes != nil {
				due.Minute = *w.DueTime.Minutes
			}
		}
		if due.Valid() {
			item.Due = &due
		}
	}
	return item
}

func normalizeState(s string) domain.SubmissionState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CREATED":
		return domain.SubmissionCreated
	case "TURNED_IN":
		return domain.SubmissionTurnedIn
	case "RETURNED":
		return domain.SubmissionReturned
	case "RECLAIMED_BY_STUDENT", "RECLAIMED":
		return domain.SubmissionReclaimed
	default:
		return domain.SubmissionNew
	}
}

func (w wireSubmission) toDomain(courseID string) domain.SubmissionRecord {
	if w.CourseID != "" {
		courseID = w.CourseID
	}
	rec := domain.SubmissionRecord{
		ID:           w.ID,
		CourseworkID: firstNonEmpty(w.CourseWorkID, w.LegacyCourseworkID),
		CourseID:     courseID,
		UserID:       w.UserID,
		State:        normalizeState(w.State),
		Late:         w.Late,
		UpdatedAt:    w.UpdateTime,
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = w.CreationTime
	}
	switch {
	case w.AssignedGrade != nil:
		g := *w.AssignedGrade
		rec.Grade = &g
	case w.LegacyGrade != nil:
		g := *w.LegacyGrade
		rec.Grade = &g
	}
	for _, h := range w.SubmissionHistory {
		if h.StateHistory == nil || h.StateHistory.StateTimestamp.IsZero() {
			continue
		}
		ts := h.StateHistory.StateTimestamp
		switch normalizeState(h.StateHistory.State) {
		case domain.SubmissionTurnedIn:
			if rec.TurnedInAt == nil || ts.After(*rec.TurnedInAt) {
				rec.TurnedInAt = &ts
			}
		case domain.SubmissionReturned:
			if rec.ReturnedAt == nil || ts.After(*rec.ReturnedAt) {
				rec.ReturnedAt = &ts
			}
		}
	}
	return rec
}

func (w wireAnnouncement) toDomain(courseID string) domain.Announcement {
	if w.CourseID != "" {
		courseID = w.CourseID
	}
	return domain.Announcement{ID: w.ID, CourseID: courseID, Text: w.Text, AlternateLink: w.AlternateLink, UpdatedAt: w.UpdateTime}
}

func (w wireMaterial) toDomain(courseID string) domain.Material {
	if w.CourseID != "" {
		courseID = w.CourseID
	}
	return domain.Material{ID: w.ID, CourseID: courseID, Title: w.Title, Description: w.Description, AlternateLink: w.AlternateLink, UpdatedAt: w.UpdateTime}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
